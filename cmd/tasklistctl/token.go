package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
)

type tokenOptions struct {
	count    int
	prefix   string
	start    int
	output   string
	ttl      time.Duration
	audience string
}

func tokenCmd() *cobra.Command {
	var opts tokenOptions
	cmd := &cobra.Command{
		Use:   "token [owner]",
		Short: "Mint HS256 tokens for local and test deployments",
		Long: `Mint HS256 tokens signed with LOCAL_AUTH_SHARED_SECRET (or TEST_JWT_SECRET).

With --count above one, owners are named <prefix>-<n> starting at --start and
the first token is printed; --output writes all of them as a JSON array.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.count < 1 {
				return errors.New("count must be at least 1")
			}
			if opts.start < 1 {
				return errors.New("start index must be at least 1")
			}
			if len(args) > 0 && opts.count > 1 {
				return errors.New("explicit owner cannot be provided when generating multiple tokens")
			}
			secret := sharedSecret()
			if secret == "" {
				return errors.New("LOCAL_AUTH_SHARED_SECRET or TEST_JWT_SECRET must be set")
			}

			tokens, err := generateTokens([]byte(secret), opts, args)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			if opts.output != "" {
				if err := writeTokens(opts.output, tokens); err != nil {
					return fmt.Errorf("write tokens: %w", err)
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), tokens[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.count, "count", 1, "number of tokens to generate")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "local-user", "owner id, or its prefix when count > 1")
	cmd.Flags().IntVar(&opts.start, "start", 1, "starting index for generated owners when count > 1")
	cmd.Flags().StringVar(&opts.output, "output", "", "file to write generated tokens as a JSON array")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&opts.audience, "audience", "", "aud claim")
	return cmd
}

func sharedSecret() string {
	if s := os.Getenv("LOCAL_AUTH_SHARED_SECRET"); s != "" {
		return s
	}
	return os.Getenv("TEST_JWT_SECRET")
}

func generateTokens(secret []byte, opts tokenOptions, args []string) ([]string, error) {
	tokens := make([]string, opts.count)
	now := time.Now()
	for i := range tokens {
		owner := opts.prefix
		switch {
		case len(args) > 0:
			owner = args[0]
		case opts.count > 1:
			owner = fmt.Sprintf("%s-%d", opts.prefix, opts.start+i)
		}
		claims := jwt.MapClaims{
			"sub": owner,
			"iat": now.Unix(),
			"exp": now.Add(opts.ttl).Unix(),
		}
		if opts.audience != "" {
			claims["aud"] = opts.audience
		}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
