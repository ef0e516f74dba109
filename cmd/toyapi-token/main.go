// Command toyapi-token manages the RS256 key material behind the bearer gate.
//
//	toyapi-token keygen <private.pem> [bits]
//	toyapi-token mint [-iss issuer] [-aud audience] [-kid id] [-ttl 1h] <private.pem> <uid>
//	toyapi-token jwks [-kid id] <private.pem>
//
// Issuer, audience and key id default to the server's settings: jwtIssuer,
// jwtAudience and jwtKeyId from the config file (TOYAPI_CONFIG or
// config.yaml), then JWT_ISSUER, JWT_AUDIENCE and JWT_KEY_ID.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"toyapi/internal/usertoken"
)

func main() {
	if len(os.Args) < 3 {
		usage()
	}
	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "keygen":
		err = keygen(args)
	case "mint":
		err = mint(args)
	case "jwks":
		err = jwks(args)
	default:
		usage()
	}
	if err != nil {
		exitErr(err)
	}
}

func keygen(args []string) error {
	bits := 2048
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 2048 {
			return errors.New("bits must be an integer >= 2048")
		}
		bits = n
	}
	if err := usertoken.WriteRSAPrivateKeyPEM(args[0], bits); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %d-bit key to %s\n", bits, args[0])
	return nil
}

func mint(args []string) error {
	settings, err := loadIssuerSettings(configPath())
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("mint", flag.ContinueOnError)
	fs.StringVar(&settings.Issuer, "iss", settings.Issuer, "token issuer")
	fs.StringVar(&settings.Audience, "aud", settings.Audience, "token audience")
	fs.StringVar(&settings.KeyID, "kid", settings.KeyID, "key id")
	ttl := fs.Duration("ttl", 0, "token lifetime (default 1h)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		usage()
	}
	opts := settings.signerOptions(fs.Arg(0))
	opts.TTL = *ttl
	signer, err := usertoken.NewSigner(opts)
	if err != nil {
		return err
	}
	token, err := signer.Issue(fs.Arg(1))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func jwks(args []string) error {
	settings, err := loadIssuerSettings(configPath())
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("jwks", flag.ContinueOnError)
	fs.StringVar(&settings.KeyID, "kid", settings.KeyID, "key id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		usage()
	}
	signer, err := usertoken.NewSigner(settings.signerOptions(fs.Arg(0)))
	if err != nil {
		return err
	}
	doc, err := signer.JWKS()
	if err != nil {
		return err
	}
	fmt.Println(string(doc))
	return nil
}

// issuerSettings mirrors the token keys of the server config file.
type issuerSettings struct {
	KeyID    string `yaml:"jwtKeyId"`
	Issuer   string `yaml:"jwtIssuer"`
	Audience string `yaml:"jwtAudience"`
}

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("TOYAPI_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}

// loadIssuerSettings reads path when it exists, then applies env overrides.
func loadIssuerSettings(path string) (issuerSettings, error) {
	var settings issuerSettings
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return settings, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return settings, fmt.Errorf("read config: %w", err)
	}
	for _, env := range []struct {
		dst *string
		key string
	}{
		{&settings.KeyID, "JWT_KEY_ID"},
		{&settings.Issuer, "JWT_ISSUER"},
		{&settings.Audience, "JWT_AUDIENCE"},
	} {
		if v := strings.TrimSpace(os.Getenv(env.key)); v != "" {
			*env.dst = v
		}
	}
	return settings, nil
}

func (s issuerSettings) signerOptions(keyPath string) usertoken.SignerOptions {
	return usertoken.SignerOptions{
		PrivateKeyPath: keyPath,
		KeyID:          s.KeyID,
		Issuer:         s.Issuer,
		Audience:       s.Audience,
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n  %[1]s keygen <private.pem> [bits]\n  %[1]s mint [-iss issuer] [-aud audience] [-kid id] [-ttl 1h] <private.pem> <uid>\n  %[1]s jwks [-kid id] <private.pem>\n", os.Args[0])
	os.Exit(2)
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
