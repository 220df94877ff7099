package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/photoverify/internal/checksum"
	"github.com/example/photoverify/internal/config"
	"github.com/example/photoverify/internal/deadletter"
	"github.com/example/photoverify/internal/grpcclient"
	"github.com/example/photoverify/internal/metadata"
	"github.com/example/photoverify/internal/secrets"
	"github.com/example/photoverify/internal/signing"
	"github.com/example/photoverify/internal/verification"
)

// newPipeline builds the verification pipeline. A non-nil extractor replaces
// the configured one. The returned func releases the extractor connection.
func newPipeline(ctx context.Context, cfg *config.Config, logger *zap.Logger, extractor metadata.Extractor) (*verification.Pipeline, func(), error) {
	release := func() {}
	if extractor == nil {
		switch cfg.Extractor.Mode {
		case "grpc":
			remote, conn, err := grpcclient.DialMetadataExtractor(ctx, cfg.Extractor.Addr, logger)
			if err != nil {
				return nil, release, err
			}
			extractor = remote
			release = func() { _ = conn.Close() }
		default:
			extractor = metadata.NewExifExtractor()
		}
	}

	pipeline, err := verification.NewPipeline(checksum.SHA256{}, extractor, logger, cfg.VerificationSettings())
	if err != nil {
		release()
		return nil, func() {}, err
	}
	return pipeline, release, nil
}

func secretProvider(cfg *config.Config) secrets.Provider {
	if cfg.Signing.SecretSource == "file" {
		return secrets.FileProvider{Dir: cfg.Signing.SecretDir}
	}
	return secrets.NewEnvProvider(config.EnvPrefix)
}

// newSigningClient loads the signing key and routes abandoned jobs to sink.
func newSigningClient(ctx context.Context, cfg *config.Config, logger *zap.Logger, sink deadletter.Sink) (*signing.Client, error) {
	opts := []signing.Option{signing.WithQueueConfig(cfg.QueueSettings())}
	if sink != nil {
		opts = append(opts, signing.WithDeadLetters(sink))
	}
	return signing.NewClient(ctx, secretProvider(cfg), cfg.Signing.SecretName, checksum.SHA256{}, logger, opts...)
}
