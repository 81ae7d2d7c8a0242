package cli

import (
	"context"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/containerd/log"
	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/etsival/certvalidator/fetchers"
	"github.com/georgepadayatti/etsival/certvalidator/source"
	"github.com/georgepadayatti/etsival/config"
	"github.com/georgepadayatti/etsival/sign/ades"
	"github.com/georgepadayatti/etsival/sign/cades"
	"github.com/georgepadayatti/etsival/sign/validation"
	"github.com/georgepadayatti/etsival/sign/validation/report"
)

// VerifyOptions contains options for the verify command.
type VerifyOptions struct {
	ConfigFile     string
	PolicyFile     string
	Roots          stringList
	Certs          stringList
	TrustStore     string
	TrustStorePass string
	ContentFile    string
	ValidationTime string
	Online         bool
	Format         string
}

// stringList is a repeatable, comma separated flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			*s = append(*s, p)
		}
	}
	return nil
}

func verifyCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	verifyFlags := flag.NewFlagSet("verify", flag.ContinueOnError)
	verifyFlags.SetOutput(stderr)

	var opts VerifyOptions
	verifyFlags.StringVar(&opts.ConfigFile, "config", "", "YAML configuration file")
	verifyFlags.StringVar(&opts.PolicyFile, "policy", "", "Constraint policy file (.yaml or .xml)")
	verifyFlags.Var(&opts.Roots, "roots", "Trust anchor files (PEM, DER or PKCS#7), comma separated")
	verifyFlags.Var(&opts.Certs, "certs", "Untrusted intermediate certificate files, comma separated")
	verifyFlags.StringVar(&opts.TrustStore, "p12", "", "PKCS#12 trust store")
	verifyFlags.StringVar(&opts.TrustStorePass, "p12-pass", "", "Password of the PKCS#12 trust store")
	verifyFlags.StringVar(&opts.ContentFile, "content", "", "Signed content of a detached signature")
	verifyFlags.StringVar(&opts.ValidationTime, "time", "", "Validation time (RFC 3339), defaults to now")
	verifyFlags.BoolVar(&opts.Online, "online", false, "Fetch revocation data and missing issuers over the network")
	verifyFlags.StringVar(&opts.Format, "format", "text", "Report format: text, json or xml")

	verifyFlags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s verify [options] <signature.p7s>\n\n", os.Args[0])
		fmt.Fprintln(stderr, "Validate every signature of a CMS/CAdES file.")
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Options:")
		verifyFlags.PrintDefaults()
	}

	if err := verifyFlags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitValid
		}
		return ExitUsage
	}
	if verifyFlags.NArg() != 1 {
		verifyFlags.Usage()
		return ExitUsage
	}
	switch opts.Format {
	case "text", "json", "xml":
	default:
		fmt.Fprintf(stderr, "Error: unknown format %q\n", opts.Format)
		return ExitUsage
	}

	cfg, err := opts.config()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}
	if err := cfg.Logging.Apply(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}

	rep, err := verify(ctx, cfg, verifyFlags.Arg(0), opts.ContentFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}
	if err := rep.WriteTo(stdout, opts.Format); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}
	if rep.Indication != ades.Valid {
		return ExitNotValid
	}
	return ExitValid
}

// config loads the configuration file and applies the flags over it.
func (o *VerifyOptions) config() (*config.AppConfig, error) {
	cfg := config.DefaultAppConfig()
	if o.ConfigFile != "" {
		var err error
		if cfg, err = config.LoadAppConfig(o.ConfigFile); err != nil {
			return nil, err
		}
	}
	if o.PolicyFile != "" {
		cfg.Validation.Policy = o.PolicyFile
	}
	cfg.Validation.TrustAnchors = append(cfg.Validation.TrustAnchors, o.Roots...)
	cfg.Validation.OtherCerts = append(cfg.Validation.OtherCerts, o.Certs...)
	if o.TrustStore != "" {
		cfg.Validation.TrustStores = append(cfg.Validation.TrustStores, config.TrustStoreConfig{
			Path:     o.TrustStore,
			Password: o.TrustStorePass,
		})
	}
	if o.ValidationTime != "" {
		cfg.Validation.ValidationTime = o.ValidationTime
	}
	if o.Online {
		cfg.Revocation.Online = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// verify parses the signature file and validates it under cfg.
func verify(ctx context.Context, cfg *config.AppConfig, sigFile, contentFile string) (*report.DocumentReport, error) {
	p, err := cfg.Validation.LoadPolicy()
	if err != nil {
		return nil, err
	}
	roots, err := cfg.Validation.LoadTrustAnchors()
	if err != nil {
		return nil, err
	}
	others, err := cfg.Validation.LoadOtherCerts()
	if err != nil {
		return nil, err
	}

	der, err := readSignature(sigFile)
	if err != nil {
		return nil, err
	}
	var content []byte
	if contentFile != "" {
		if content, err = os.ReadFile(contentFile); err != nil {
			return nil, fmt.Errorf("failed to read content: %w", err)
		}
	}
	sigs, err := cades.ParseAll(der, content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", sigFile, err)
	}

	var opts []validation.Option
	if at, ok, _ := cfg.Validation.Time(); ok {
		opts = append(opts, validation.WithClock(clockwork.NewFakeClockAt(at)))
	}
	if cfg.Revocation.Online {
		cache, err := cfg.Cache.NewCache(nil)
		if err != nil {
			return nil, err
		}
		if c, ok := cache.(io.Closer); ok {
			defer c.Close()
		}
		fc, err := cfg.FetcherConfig(cache)
		if err != nil {
			return nil, err
		}
		f, err := fetchers.NewFetcher(fc)
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			validation.WithRevocationSource(fetchers.NewOnlineSource(f)),
			validation.WithIssuerFetcher(fetchers.NewIssuerFetcher(f)),
		)
	}

	v := validation.NewValidator(p, opts...)
	v.AddTrustAnchors(roots...)
	v.AddCertificates(source.ChainHint, others...)

	log.G(ctx).WithField("signatures", len(sigs)).Debugf("validating %s", sigFile)
	return v.ValidateDocument(ctx, cades.Containers(sigs)), nil
}

// readSignature reads DER or PEM ("PKCS7" or "CMS") encoded CMS data.
func readSignature(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature: %w", err)
	}
	if block, _ := pem.Decode(data); block != nil {
		return block.Bytes, nil
	}
	return data, nil
}
