package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/urfave/cli/v3"

	trustchain "github.com/trustchain-go/go-trustchain"
	"github.com/trustchain-go/go-trustchain/ledger"
)

const TCCLI_USER_AGENT = "go-trustchain/tccli"

func main() {
	app := cli.Command{
		Name:  "tccli",
		Usage: "simple CLI client tool for DID trust chains and credentials",
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path of the TOML config file",
			Value:   defaultConfigPath(),
			Sources: cli.EnvVars("TCCLI_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "registry-url",
			Usage:   "method, hostname, and port of the DID registry",
			Sources: cli.EnvVars("TRUSTCHAIN_REGISTRY"),
		},
		&cli.StringFlag{
			Name:    "ledger-url",
			Usage:   "base URL of the ledger (defaults to the registry's /ledger)",
			Sources: cli.EnvVars("TRUSTCHAIN_LEDGER"),
		},
		&cli.Int64Flag{
			Name:    "root-event-time",
			Usage:   "expected anchoring time of trust chain roots (unix seconds)",
			Sources: cli.EnvVars("TRUSTCHAIN_ROOT_EVENT_TIME"),
		},
		&cli.StringFlag{
			Name:    "private-key",
			Usage:   "private key used for signing (multibase syntax)",
			Sources: cli.EnvVars("TRUSTCHAIN_PRIVATE_KEY"),
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:      "resolve",
			Usage:     "resolve a DID from the remote registry",
			ArgsUsage: "<did>",
			Action:    runResolve,
		},
		{
			Name:      "verify",
			Usage:     "build and fully verify the trust chain of a DID",
			ArgsUsage: "<did>",
			Action:    runVerify,
		},
		{
			Name:      "attest",
			Usage:     "sign a DID document as its controller (reads document JSON from file or stdin, prints a publish request)",
			ArgsUsage: "[file]",
			Action:    runAttest,
		},
		{
			Name:      "anchor",
			Usage:     "anchor a root DID document in the ledger (reads a publish request, prints it with the anchor height set)",
			ArgsUsage: "[file]",
			Action:    runAnchor,
		},
		{
			Name:      "publish",
			Usage:     "publish a DID document (reads a publish request JSON from file or stdin)",
			ArgsUsage: "[file]",
			Action:    runPublish,
		},
		{
			Name:  "vc",
			Usage: "verifiable credentials",
			Commands: []*cli.Command{
				{
					Name:      "sign",
					Usage:     "sign a credential (reads JSON from file or stdin)",
					ArgsUsage: "[file]",
					Action:    runCredentialSign,
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:     "verification-method",
							Usage:    "full ID of the issuer's verification method, eg did:example:issuer#key-1",
							Required: true,
						},
						&cli.BoolFlag{
							Name:  "jwt",
							Usage: "output an encoded JWT credential instead of an embedded proof",
						},
						&cli.StringFlag{
							Name:  "challenge",
							Usage: "proof challenge",
						},
						&cli.StringFlag{
							Name:  "domain",
							Usage: "proof domain",
						},
					},
				},
				{
					Name:      "verify",
					Usage:     "verify a credential, or credential JWT, and its issuer's trust chain",
					ArgsUsage: "[file]",
					Action:    runCredentialVerify,
					Flags:     proofOptionFlags(),
				},
			},
		},
		{
			Name:  "vp",
			Usage: "verifiable presentations",
			Commands: []*cli.Command{
				{
					Name:      "sign",
					Usage:     "add a holder proof to a presentation (reads JSON from file or stdin)",
					ArgsUsage: "[file]",
					Action:    runPresentationSign,
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:     "verification-method",
							Usage:    "full ID of the holder's verification method, eg did:example:holder#key-1",
							Required: true,
						},
						&cli.StringFlag{
							Name:  "challenge",
							Usage: "proof challenge",
						},
						&cli.StringFlag{
							Name:  "domain",
							Usage: "proof domain",
						},
					},
				},
				{
					Name:      "verify",
					Usage:     "verify every credential of a presentation",
					ArgsUsage: "[file]",
					Action:    runPresentationVerify,
					Flags: append(proofOptionFlags(), &cli.BoolFlag{
						Name:  "holder-proof",
						Usage: "also require a valid proof by the presentation's holder",
					}),
				},
			},
		},
		{
			Name:   "keygen",
			Usage:  "generate a fresh private key, printed to stdout as a multibase string",
			Action: runKeyGen,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "type",
					Usage: "key type; one of 'K-256' or 'P-256'",
					Value: "K-256",
				},
			},
		},
		{
			Name:   "derive_pubkey",
			Usage:  "derive a public key and print to stdout in did:key format",
			Action: runDerivePubkey,
		},
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Println("Error:", err)
		os.Exit(-1)
	}
}

func proofOptionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "challenge",
			Usage: "expected proof challenge",
		},
		&cli.StringFlag{
			Name:  "domain",
			Usage: "expected proof domain",
		},
	}
}

func proofOptions(cmd *cli.Command) *trustchain.ProofOptions {
	return &trustchain.ProofOptions{
		Challenge: cmd.String("challenge"),
		Domain:    cmd.String("domain"),
	}
}

func configFor(cmd *cli.Command) (*Config, error) {
	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.applyFlags(cmd)
	return cfg, nil
}

func newVerifier(cfg *Config) *trustchain.Verifier {
	return trustchain.NewVerifier(cfg.Client(), ledger.NewClient(cfg.LedgerURL()), slog.Default())
}

func privateKey(cfg *Config) (atcrypto.PrivateKey, error) {
	if cfg.Trustchain.PrivateKey == "" {
		return nil, fmt.Errorf("private key is required")
	}
	return atcrypto.ParsePrivateMultibase(cfg.Trustchain.PrivateKey)
}

func didArg(cmd *cli.Command) (string, error) {
	s := cmd.Args().First()
	if s == "" {
		return "", fmt.Errorf("need to provide DID as an argument")
	}
	did, err := syntax.ParseDID(s)
	if err != nil {
		return "", err
	}
	return did.String(), nil
}

// readInput reads the file named by the first argument, or stdin if there is none
func readInput(cmd *cli.Command) ([]byte, error) {
	if path := cmd.Args().First(); path != "" && path != "-" {
		return os.ReadFile(path)
	}
	return io.ReadAll(os.Stdin)
}

func readPublishRequest(cmd *cli.Command) (*trustchain.PublishRequest, error) {
	b, err := readInput(cmd)
	if err != nil {
		return nil, err
	}
	var req trustchain.PublishRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, err
	}
	if req.Document == nil {
		return nil, fmt.Errorf("input has no didDocument")
	}
	if req.DocumentMetadata == nil {
		req.DocumentMetadata = trustchain.DocumentMetadata{}
	}
	return &req, nil
}

func printJSON(v any) error {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}

func runResolve(ctx context.Context, cmd *cli.Command) error {
	did, err := didArg(cmd)
	if err != nil {
		return err
	}
	cfg, err := configFor(cmd)
	if err != nil {
		return err
	}
	result, err := cfg.Client().ResolveResult(ctx, did)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runVerify(ctx context.Context, cmd *cli.Command) error {
	did, err := didArg(cmd)
	if err != nil {
		return err
	}
	cfg, err := configFor(cmd)
	if err != nil {
		return err
	}
	chain, err := newVerifier(cfg).Verify(ctx, did, cfg.RootEventTime())
	if err != nil {
		return err
	}
	fmt.Println(chain.String())
	fmt.Println("valid")
	return nil
}

func runAttest(ctx context.Context, cmd *cli.Command) error {
	cfg, err := configFor(cmd)
	if err != nil {
		return err
	}
	priv, err := privateKey(cfg)
	if err != nil {
		return err
	}
	b, err := readInput(cmd)
	if err != nil {
		return err
	}
	var doc trustchain.Doc
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	controller, err := doc.SoleController()
	if err != nil {
		return err
	}
	proof, err := trustchain.Attest(&doc, controller, priv)
	if err != nil {
		return err
	}
	meta := trustchain.DocumentMetadata{}
	meta.SetProofValue(proof)
	return printJSON(trustchain.PublishRequest{Document: &doc, DocumentMetadata: meta})
}

func runAnchor(ctx context.Context, cmd *cli.Command) error {
	cfg, err := configFor(cmd)
	if err != nil {
		return err
	}
	req, err := readPublishRequest(cmd)
	if err != nil {
		return err
	}
	docCID, err := req.Document.ComputeCID()
	if err != nil {
		return err
	}
	block, err := ledger.NewClient(cfg.LedgerURL()).Append(ctx, []string{docCID.String()})
	if err != nil {
		return err
	}
	req.DocumentMetadata.SetAnchorHeight(block.Header.Height)
	slog.Info("anchored document", "did", req.Document.ID, "height", block.Header.Height, "rootEventTime", block.Header.Time)
	return printJSON(req)
}

func runPublish(ctx context.Context, cmd *cli.Command) error {
	cfg, err := configFor(cmd)
	if err != nil {
		return err
	}
	req, err := readPublishRequest(cmd)
	if err != nil {
		return err
	}
	if _, err := syntax.ParseDID(req.Document.ID); err != nil {
		return err
	}
	c := cfg.Client()
	if err := c.Submit(ctx, req.Document, req.DocumentMetadata); err != nil {
		return err
	}
	fmt.Printf("Successfully published document: %s/%s\n", c.DirectoryURL, req.Document.ID)
	return nil
}

func runCredentialSign(ctx context.Context, cmd *cli.Command) error {
	cfg, err := configFor(cmd)
	if err != nil {
		return err
	}
	priv, err := privateKey(cfg)
	if err != nil {
		return err
	}
	b, err := readInput(cmd)
	if err != nil {
		return err
	}
	var cred trustchain.Credential
	if err := json.Unmarshal(b, &cred); err != nil {
		return err
	}
	vmID := cmd.String("verification-method")

	if cmd.Bool("jwt") {
		token, err := trustchain.IssueCredentialToken(&cred, vmID, priv)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}
	if err := trustchain.SignCredential(&cred, vmID, priv, proofOptions(cmd), time.Now()); err != nil {
		return err
	}
	return printJSON(&cred)
}

func runCredentialVerify(ctx context.Context, cmd *cli.Command) error {
	cfg, err := configFor(cmd)
	if err != nil {
		return err
	}
	b, err := readInput(cmd)
	if err != nil {
		return err
	}
	v := newVerifier(cfg)

	var chain *trustchain.Chain
	input := strings.TrimSpace(string(b))
	if strings.HasPrefix(input, "{") {
		var cred trustchain.Credential
		if err := json.Unmarshal([]byte(input), &cred); err != nil {
			return err
		}
		chain, err = trustchain.VerifyCredential(ctx, &cred, proofOptions(cmd), cfg.RootEventTime(), v)
	} else {
		chain, err = trustchain.VerifyCredentialToken(ctx, strings.Trim(input, `"`), proofOptions(cmd), cfg.RootEventTime(), v)
	}
	if err != nil {
		return err
	}
	fmt.Println("issuer chain:", chain.String())
	fmt.Println("valid")
	return nil
}

func runPresentationSign(ctx context.Context, cmd *cli.Command) error {
	cfg, err := configFor(cmd)
	if err != nil {
		return err
	}
	priv, err := privateKey(cfg)
	if err != nil {
		return err
	}
	b, err := readInput(cmd)
	if err != nil {
		return err
	}
	var p trustchain.Presentation
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if err := trustchain.SignPresentation(&p, cmd.String("verification-method"), priv, proofOptions(cmd), time.Now()); err != nil {
		return err
	}
	return printJSON(&p)
}

func runPresentationVerify(ctx context.Context, cmd *cli.Command) error {
	cfg, err := configFor(cmd)
	if err != nil {
		return err
	}
	b, err := readInput(cmd)
	if err != nil {
		return err
	}
	var p trustchain.Presentation
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if cmd.Bool("holder-proof") {
		result := trustchain.NewProofChecker(cfg.Client()).VerifyPresentationProof(ctx, &p, proofOptions(cmd))
		if len(result.Errors) > 0 {
			return &trustchain.VerificationResultError{Result: result}
		}
	}
	if err := trustchain.VerifyPresentation(ctx, &p, proofOptions(cmd), cfg.RootEventTime(), newVerifier(cfg)); err != nil {
		return err
	}
	fmt.Printf("valid (%d credentials)\n", len(p.VerifiableCredential))
	return nil
}

func runKeyGen(ctx context.Context, cmd *cli.Command) error {
	t := cmd.String("type")
	switch t {
	case "K-256", "K256", "k256":
		privkey, err := atcrypto.GeneratePrivateKeyK256()
		if err != nil {
			return err
		}
		fmt.Println(privkey.Multibase())
	case "P-256", "P256", "p256":
		privkey, err := atcrypto.GeneratePrivateKeyP256()
		if err != nil {
			return err
		}
		fmt.Println(privkey.Multibase())
	default:
		return fmt.Errorf("unknown key type: %s", t)
	}
	return nil
}

func runDerivePubkey(ctx context.Context, cmd *cli.Command) error {
	cfg, err := configFor(cmd)
	if err != nil {
		return err
	}
	privkey, err := privateKey(cfg)
	if err != nil {
		return err
	}
	pubkey, err := privkey.PublicKey()
	if err != nil {
		return err
	}
	fmt.Println(pubkey.DIDKey())
	fmt.Println(pubkey.Multibase())
	return nil
}
