// Package signing anchors content digests by signing them with a key loaded
// from the secret store. Every request goes through a private retry queue,
// so signatures are produced one at a time and transient failures are retried.
package signing

import (
	"bytes"
	"context"
	"crypto"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/photoverify/internal/apperr"
	"github.com/example/photoverify/internal/checksum"
	"github.com/example/photoverify/internal/deadletter"
	"github.com/example/photoverify/internal/queue"
)

// ErrClosed is returned by Sign after Close.
var ErrClosed = errors.New("signing client closed")

// SignatureResult is the outcome of one successful signing job.
type SignatureResult struct {
	Digest       string `json:"digest"`
	SignatureHex string `json:"signature"`
}

type signOutcome struct {
	result *SignatureResult
	err    error
}

// signJob carries the payload and the channel the caller waits on.
type signJob struct {
	data   []byte
	result chan signOutcome
}

// Option customises a Client.
type Option func(*Client)

// WithQueueConfig overrides the retry policy.
func WithQueueConfig(cfg queue.Config) Option {
	return func(c *Client) { c.queueCfg = cfg }
}

// WithDeadLetters records abandoned jobs in sink.
func WithDeadLetters(sink deadletter.Sink) Option {
	return func(c *Client) { c.deadLetters = sink }
}

// Provider is the secret lookup used at construction.
type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// Client signs digests of arbitrary payloads.
type Client struct {
	hasher      checksum.Hasher
	signer      digestSigner
	public      crypto.PublicKey
	publicPEM   string
	logger      *zap.Logger
	queueCfg    queue.Config
	deadLetters deadletter.Sink
	queue       *queue.RetryQueue[signJob]
	closed      atomic.Bool
}

// NewClient loads secretName from provider and prepares the signing queue.
// Key problems surface here as configuration errors rather than on first use.
func NewClient(ctx context.Context, provider Provider, secretName string, hasher checksum.Hasher, logger *zap.Logger, opts ...Option) (*Client, error) {
	if provider == nil {
		return nil, apperr.Configuration("no secret provider configured", nil)
	}
	raw, err := provider.GetSecret(ctx, secretName)
	if err != nil {
		return nil, apperr.Configuration("load signing key "+secretName, err)
	}
	key, err := ParsePrivateKey(raw)
	if err != nil {
		return nil, apperr.Configuration("parse signing key "+secretName, err)
	}
	pubPEM, err := publicKeyPEM(key.Public())
	if err != nil {
		return nil, apperr.Configuration("encode public key", err)
	}
	if hasher == nil {
		hasher = checksum.SHA256{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		hasher:    hasher,
		signer:    keySigner{key: key},
		public:    key.Public(),
		publicPEM: pubPEM,
		logger:    logger.Named("signing_client"),
		queueCfg:  queue.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.queue = queue.New(c.handle, c.fail, c.queueCfg, c.logger)

	c.logger.Info("signing key loaded", zap.String("algorithm", c.Algorithm()), zap.String("secret", secretName))
	return c, nil
}

// Sign returns the hex signature over the digest of payload.
func (c *Client) Sign(ctx context.Context, payload []byte) (string, error) {
	res, err := c.SignResult(ctx, payload)
	if err != nil {
		return "", err
	}
	return res.SignatureHex, nil
}

// SignString signs the UTF-8 bytes of s.
func (c *Client) SignString(ctx context.Context, s string) (string, error) {
	return c.Sign(ctx, []byte(s))
}

// SignResult enqueues payload and waits for its terminal outcome. If ctx ends
// first the caller stops waiting but the job still runs to completion.
func (c *Client) SignResult(ctx context.Context, payload []byte) (*SignatureResult, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if len(payload) == 0 {
		return nil, apperr.Validation("payload", "payload is empty")
	}

	job := signJob{data: bytes.Clone(payload), result: make(chan signOutcome, 1)}
	c.queue.Enqueue(job)

	select {
	case out := <-job.result:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Verify checks signatureHex against the digest of payload.
func (c *Client) Verify(payload []byte, signatureHex string) error {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return apperr.Validation("signature", "signature is not hex")
	}
	digest, err := checksum.Decode(c.hasher.Sum(payload))
	if err != nil {
		return err
	}
	if !verifyDigest(c.public, digest, sig) {
		return apperr.Validation("signature", "signature does not match payload")
	}
	return nil
}

// PublicKeyPEM returns the PKIX public key of the signing key.
func (c *Client) PublicKeyPEM() string { return c.publicPEM }

// Algorithm names the signing key type.
func (c *Client) Algorithm() string { return algorithmName(c.public) }

// Stats exposes the queue counters.
func (c *Client) Stats() queue.Stats { return c.queue.Stats() }

// Close rejects new requests and waits for queued jobs to settle.
func (c *Client) Close(ctx context.Context) error {
	c.closed.Store(true)
	return c.queue.Wait(ctx)
}

func (c *Client) handle(_ context.Context, job signJob) error {
	digest := c.hasher.Sum(job.data)
	raw, err := checksum.Decode(digest)
	if err != nil {
		return err
	}
	sig, err := c.signer.SignDigest(raw)
	if err != nil {
		return err
	}
	job.result <- signOutcome{result: &SignatureResult{Digest: digest, SignatureHex: hex.EncodeToString(sig)}}
	return nil
}

func (c *Client) fail(job queue.Job[signJob], err error) {
	terminal := apperr.SigningFailed(err)
	digest := c.hasher.Sum(job.Payload.data)

	if c.deadLetters != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		recErr := c.deadLetters.Record(ctx, deadletter.Letter{
			JobID:      job.ID,
			Digest:     digest,
			Attempts:   job.Attempt,
			Error:      err.Error(),
			EnqueuedAt: job.EnqueuedAt,
			FailedAt:   time.Now().UTC(),
		})
		cancel()
		if recErr != nil {
			c.logger.Error("failed to record dead letter", zap.String("job_id", job.ID), zap.Error(recErr))
		}
	}

	c.logger.Error("signing abandoned", zap.String("job_id", job.ID), zap.String("digest", digest), zap.Error(terminal))
	job.Payload.result <- signOutcome{err: terminal}
}
