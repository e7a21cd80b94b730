package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"lockbox/pkg/auth"
	"lockbox/pkg/client"
	"lockbox/pkg/models"
	"lockbox/pkg/seal"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(args[1:], out)
	case "sign-callback":
		return signCallback(args[1:], out)
	case "verify-callback":
		return verifyCallback(args[1:], out)
	case "seal":
		return sealPayload(args[1:], out)
	case "unseal":
		return unsealPayload(args[1:], out)
	case "stats":
		return gatewayStats(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "lockboxctl commands:")
	fmt.Fprintln(out, "  gen-key --out-private private.key --out-public public.key")
	fmt.Fprintln(out, "  sign-callback --callback callback.json --private private.key --kid oracle-1 --out callback.signed.json")
	fmt.Fprintln(out, "  verify-callback --callback callback.signed.json --public public.key")
	fmt.Fprintln(out, "  seal --in plaintext.bin --out sealed.bin --secret <sealing secret>")
	fmt.Fprintln(out, "  unseal --in sealed.bin --out plaintext.bin --secret <sealing secret>")
	fmt.Fprintln(out, "  stats --base-url http://localhost:8080 [--token <bearer>]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outPriv := fs.String("out-private", "private.key", "private key output")
	outPub := fs.String("out-public", "public.key", "public key output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(*outPriv, []byte(base64.StdEncoding.EncodeToString(priv)), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(*outPub, []byte(base64.StdEncoding.EncodeToString(pub)), 0o600); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s and %s\n", *outPriv, *outPub)
	return nil
}

func readBase64Key(path string, wantSize int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(decoded) != wantSize {
		return nil, fmt.Errorf("decode key: invalid size %d", len(decoded))
	}
	return decoded, nil
}

func signCallback(args []string, out io.Writer) error {
	fs := newFlagSet("sign-callback")
	callbackPath := fs.String("callback", "", "callback json path")
	privatePath := fs.String("private", "", "base64 private key path")
	kid := fs.String("kid", "", "key id")
	outPath := fs.String("out", "callback.signed.json", "output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *callbackPath == "" || *privatePath == "" || *kid == "" {
		return errors.New("callback, private, kid required")
	}
	raw, err := os.ReadFile(*callbackPath)
	if err != nil {
		return fmt.Errorf("read callback: %w", err)
	}
	var cb models.DecryptionCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return fmt.Errorf("decode callback: %w", err)
	}
	privBytes, err := readBase64Key(*privatePath, ed25519.PrivateKeySize)
	if err != nil {
		return err
	}
	if err := auth.SignCallback(ed25519.PrivateKey(privBytes), *kid, &cb); err != nil {
		return fmt.Errorf("sign callback: %w", err)
	}
	encoded, err := json.MarshalIndent(cb, "", "  ")
	if err != nil {
		return fmt.Errorf("encode signed callback: %w", err)
	}
	if err := os.WriteFile(*outPath, encoded, 0o600); err != nil {
		return fmt.Errorf("write signed callback: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", *outPath)
	return nil
}

func verifyCallback(args []string, out io.Writer) error {
	fs := newFlagSet("verify-callback")
	callbackPath := fs.String("callback", "", "signed callback json path")
	publicPath := fs.String("public", "", "base64 public key path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *callbackPath == "" || *publicPath == "" {
		return errors.New("callback and public required")
	}
	raw, err := os.ReadFile(*callbackPath)
	if err != nil {
		return fmt.Errorf("read callback: %w", err)
	}
	var cb models.DecryptionCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return fmt.Errorf("decode callback: %w", err)
	}
	pubBytes, err := readBase64Key(*publicPath, ed25519.PublicKeySize)
	if err != nil {
		return err
	}
	if err := auth.VerifyEd25519(ed25519.PublicKey(pubBytes), cb); err != nil {
		return fmt.Errorf("verify callback: %w", err)
	}
	fmt.Fprintf(out, "valid signature kid=%s request_id=%s\n", cb.Signature.Kid, cb.RequestID)
	return nil
}

func sealPayload(args []string, out io.Writer) error {
	fs := newFlagSet("seal")
	inPath := fs.String("in", "", "plaintext input path")
	outPath := fs.String("out", "sealed.bin", "sealed output path")
	secret := fs.String("secret", "", "sealing secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" || *secret == "" {
		return errors.New("in and secret required")
	}
	engine, err := seal.NewEngine(seal.KeyFromSecret(*secret))
	if err != nil {
		return fmt.Errorf("sealing engine: %w", err)
	}
	raw, err := os.ReadFile(*inPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	sealed, err := engine.Seal(raw)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	if err := os.WriteFile(*outPath, sealed, 0o600); err != nil {
		return fmt.Errorf("write sealed: %w", err)
	}
	fmt.Fprintf(out, "wrote %s (%d bytes)\n", *outPath, len(sealed))
	return nil
}

func unsealPayload(args []string, out io.Writer) error {
	fs := newFlagSet("unseal")
	inPath := fs.String("in", "", "sealed input path")
	outPath := fs.String("out", "plaintext.bin", "plaintext output path")
	secret := fs.String("secret", "", "sealing secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" || *secret == "" {
		return errors.New("in and secret required")
	}
	engine, err := seal.NewEngine(seal.KeyFromSecret(*secret))
	if err != nil {
		return fmt.Errorf("sealing engine: %w", err)
	}
	raw, err := os.ReadFile(*inPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	plain, err := engine.Unseal(raw)
	if err != nil {
		return fmt.Errorf("unseal: %w", err)
	}
	if err := os.WriteFile(*outPath, plain, 0o600); err != nil {
		return fmt.Errorf("write plaintext: %w", err)
	}
	fmt.Fprintf(out, "wrote %s (%d bytes)\n", *outPath, len(plain))
	return nil
}

func gatewayStats(args []string, out io.Writer) error {
	fs := newFlagSet("stats")
	baseURL := fs.String("base-url", "http://localhost:8080", "gateway base url")
	token := fs.String("token", "", "bearer token")
	principal := fs.String("principal", "", "acting principal")
	timeoutSec := fs.Int("timeout-sec", 5, "request timeout seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := client.NewClient(*baseURL, time.Duration(*timeoutSec)*time.Second)
	c.AuthToken = *token
	c.Principal = *principal
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutSec)*time.Second)
	defer cancel()
	stats, err := c.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	fmt.Fprintf(out, "content_total=%d token_total=%d\n", stats.ContentTotal, stats.TokenTotal)
	return nil
}
