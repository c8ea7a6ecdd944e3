// Package archive keeps the final snapshot of every destroyed ledger record
// in S3-compatible object storage. Closing an account, game or bet removes
// it from the store; the archive is the only remaining copy.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"

	"github.com/atmx/wager-engine/internal/config"
	"github.com/atmx/wager-engine/internal/events"
)

const uploadTimeout = 30 * time.Second

// ObjectPutter is the subset of *s3.Client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds a client for cfg. A custom endpoint selects
// path-style addressing, as R2 and MinIO expect.
func NewS3Client(ctx context.Context, cfg config.Archive) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Archiver uploads closed records.
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

// New creates an archiver writing to bucket under prefix.
func New(client ObjectPutter, bucket, prefix string) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Attach subscribes the archiver to the record-destroying events on bus.
func (a *Archiver) Attach(bus *events.Bus) {
	for _, t := range []events.EventType{
		events.EventTypeAccountClosed,
		events.EventTypeGameClosed,
		events.EventTypeBetClosed,
	} {
		bus.Subscribe(t, a.handle)
	}
}

func (a *Archiver) handle(ctx context.Context, e events.Event) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	if err := a.Put(ctx, e); err != nil {
		log.WithError(err).WithField("type", e.Type()).Error("failed to archive closed record")
	}
}

// Key returns the object key a closed record is stored under.
func (a *Archiver) Key(e events.Event) (string, error) {
	var kind, addr string
	switch ev := e.(type) {
	case events.AccountEvent:
		kind, addr = "accounts", ev.Account.Address
	case events.GameEvent:
		kind, addr = "games", ev.Game.Address
	case events.BetEvent:
		kind, addr = "bets", ev.Bet.Address
	default:
		return "", fmt.Errorf("archive: %s carries no record", e.Type())
	}
	return path.Join(a.prefix, kind, addr+".json"), nil
}

// Put uploads the snapshot carried by e.
func (a *Archiver) Put(ctx context.Context, e events.Event) error {
	key, err := a.Key(e)
	if err != nil {
		return err
	}
	body, err := events.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	log.WithFields(log.Fields{"bucket": a.bucket, "key": key}).Info("archived closed record")
	return nil
}
