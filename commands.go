package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/photoverify/internal/auth"
	"github.com/example/photoverify/internal/config"
	"github.com/example/photoverify/internal/deadletter"
	"github.com/example/photoverify/internal/depth"
	"github.com/example/photoverify/internal/grpcclient"
	"github.com/example/photoverify/internal/metadata"
	"github.com/example/photoverify/internal/signing"
	"github.com/example/photoverify/internal/verification"
)

type verifyOutput struct {
	Result    *verification.Result     `json:"result"`
	Signature *signing.SignatureResult `json:"signature,omitempty"`
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	var (
		depthPath      string
		metadataPath   string
		expectedDevice string
		sign           bool
	)
	cmd := &cobra.Command{
		Use:   "verify <image|->",
		Short: "Verify one image and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := cliLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			image, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			in := verification.Input{Image: image, ExpectedDeviceID: expectedDevice}
			if depthPath != "" {
				in.Depth = &depth.Frame{}
				if err := readJSON(depthPath, in.Depth); err != nil {
					return fmt.Errorf("depth frame: %w", err)
				}
			}
			var extractor metadata.Extractor
			if metadataPath != "" {
				var summary metadata.Summary
				if err := readJSON(metadataPath, &summary); err != nil {
					return fmt.Errorf("metadata: %w", err)
				}
				extractor = metadata.StaticExtractor{Summary: summary}
			}

			ctx := commandContext(cmd)
			pipeline, release, err := newPipeline(ctx, cfg, logger, extractor)
			if err != nil {
				return err
			}
			defer release()

			res, err := pipeline.Run(ctx, in)
			if err != nil {
				return err
			}
			out := verifyOutput{Result: res}
			if sign && res.Verdict != verification.VerdictFail {
				sig, err := signWithJournal(ctx, cfg, logger, image)
				if err != nil {
					return err
				}
				out.Signature = sig
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&depthPath, "depth", "", "JSON depth frame captured with the image")
	cmd.Flags().StringVar(&metadataPath, "metadata", "", "JSON metadata summary to use instead of reading EXIF")
	cmd.Flags().StringVar(&expectedDevice, "expected-device", "", "device the image is expected to come from")
	cmd.Flags().BoolVar(&sign, "sign", false, "sign the image digest unless the verdict is fail")
	return cmd
}

func newSignCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sign <file|->",
		Short: "Sign the SHA-256 digest of a file with the configured key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := cliLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			payload, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			res, err := signWithJournal(commandContext(cmd), cfg, logger, payload)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

// signWithJournal signs payload with a short-lived client whose abandoned
// jobs land in the local SQLite journal.
func signWithJournal(ctx context.Context, cfg *config.Config, logger *zap.Logger, payload []byte) (*signing.SignatureResult, error) {
	journal, err := deadletter.OpenSQLite(ctx, cfg.Signing.DeadLetterPath)
	if err != nil {
		return nil, err
	}
	defer journal.Close()

	client, err := newSigningClient(ctx, cfg, logger, journal)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()
	return client.SignResult(ctx, payload)
}

func newKeygenCommand() *cobra.Command {
	var (
		outPath string
		encode  bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ECDSA P-256 signing key in PKCS#8 PEM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pemKey, err := signing.GenerateKeyPEM()
			if err != nil {
				return err
			}
			out := pemKey
			if encode {
				out = base64.StdEncoding.EncodeToString([]byte(pemKey)) + "\n"
			}
			if outPath == "" {
				_, err = io.WriteString(cmd.OutOrStdout(), out)
				return err
			}
			return os.WriteFile(outPath, []byte(out), 0o600)
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the key to this file instead of stdout")
	cmd.Flags().BoolVar(&encode, "base64", false, "base64-encode the PEM for use in an environment variable")
	return cmd
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token accepted by the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(auth.Config{
				Secret:   cfg.Auth.JWTSecret,
				Audience: cfg.Auth.Audience,
				Issuer:   cfg.Auth.Issuer,
			}, subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user id placed in the sub claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newExtractorCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "extractor",
		Short: "Serve the local EXIF extractor over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := cliLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			srv := grpc.NewServer()
			grpcclient.RegisterExtractorServer(srv, metadata.NewExifExtractor(), logger)

			sigCh, stop := shutdownSignals(nil)
			defer stop()
			go func() {
				if sig, ok := <-sigCh; ok {
					logger.Info("received shutdown signal", zap.String("signal", sig.String()))
					srv.GracefulStop()
				}
			}()

			logger.Info("metadata extractor listening", zap.String("addr", lis.Addr().String()))
			return srv.Serve(lis)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":50051", "gRPC listen address")
	return cmd
}

func newDeadLettersCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List signing jobs abandoned by local commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			journal, err := deadletter.OpenSQLite(commandContext(cmd), cfg.Signing.DeadLetterPath)
			if err != nil {
				return err
			}
			defer journal.Close()

			letters, err := journal.Recent(commandContext(cmd), limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), letters)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func readJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
