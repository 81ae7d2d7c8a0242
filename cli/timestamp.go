package cli

import (
	"context"
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/georgepadayatti/etsival/certvalidator/fetchers"
	"github.com/georgepadayatti/etsival/config"
	"github.com/georgepadayatti/etsival/sign/timestamps"
)

var hashes = map[string]crypto.Hash{
	"sha256": crypto.SHA256,
	"sha384": crypto.SHA384,
	"sha512": crypto.SHA512,
}

func timestampCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	tsFlags := flag.NewFlagSet("timestamp", flag.ContinueOnError)
	tsFlags.SetOutput(stderr)

	var (
		configFile string
		ts         config.TimestampConfig
		out        string
	)
	tsFlags.StringVar(&configFile, "config", "", "YAML configuration file")
	tsFlags.StringVar(&ts.URL, "url", "", "URL of the Time-Stamp Authority")
	tsFlags.StringVar(&ts.Hash, "hash", "", "Digest algorithm: sha256, sha384 or sha512 (default sha256)")
	tsFlags.DurationVar(&ts.Timeout, "timeout", 0, "Request timeout")
	tsFlags.StringVar(&out, "out", "", "Output file for the token (default <file>.tst)")

	tsFlags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s timestamp -url <tsa> [options] <file>\n\n", os.Args[0])
		fmt.Fprintln(stderr, "Obtain an RFC 3161 timestamp token over a file.")
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Options:")
		tsFlags.PrintDefaults()
	}

	if err := tsFlags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitValid
		}
		return ExitUsage
	}
	if tsFlags.NArg() != 1 {
		tsFlags.Usage()
		return ExitUsage
	}

	cfg := config.DefaultAppConfig()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadAppConfig(configFile); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitUsage
		}
	}
	if ts.URL != "" {
		cfg.Timestamp.URL = ts.URL
	}
	if ts.Hash != "" {
		cfg.Timestamp.Hash = ts.Hash
	}
	if ts.Timeout != 0 {
		cfg.Timestamp.Timeout = ts.Timeout
	}
	if err := cfg.Timestamp.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}
	if cfg.Timestamp.URL == "" {
		fmt.Fprintln(stderr, "Error: a TSA URL is required")
		return ExitUsage
	}
	h := crypto.SHA256
	if cfg.Timestamp.Hash != "" {
		h = hashes[strings.ToLower(cfg.Timestamp.Hash)]
	}

	input := tsFlags.Arg(0)
	data, err := os.ReadFile(input)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}
	if out == "" {
		out = input + ".tst"
	}

	authority, err := newAuthority(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}
	if cfg.Timestamp.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timestamp.Timeout)
		defer cancel()
	}
	token, err := timestamps.TimestampData(ctx, authority, h, data)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitNotValid
	}
	if err := os.WriteFile(out, token.RawToken, 0o644); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitNotValid
	}
	fmt.Fprintf(stdout, "Timestamp %s written to %s\n", token.Time.UTC().Format("2006-01-02T15:04:05Z"), out)
	return ExitValid
}

func newAuthority(cfg *config.AppConfig) (*timestamps.HTTPAuthority, error) {
	fc, err := cfg.FetcherConfig(nil)
	if err != nil {
		return nil, err
	}
	f, err := fetchers.NewFetcher(fc)
	if err != nil {
		return nil, err
	}
	return timestamps.NewHTTPAuthority(cfg.Timestamp.URL, f, fc.Retry)
}
