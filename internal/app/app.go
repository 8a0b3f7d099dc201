// Package app assembles the gateway's components from configuration. Both the
// Lambda entry point and the operator CLI build through here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"chat-gateway/internal/blob"
	"chat-gateway/internal/config"
	"chat-gateway/internal/integrations/inference"
	"chat-gateway/internal/integrations/paramstore"
	"chat-gateway/internal/repository"
	"chat-gateway/internal/usecase"
)

const defaultDynamoBucket = "chats"

// App holds the wired components. Close releases backend clients.
type App struct {
	Store   *repository.ChatStore
	Gateway *usecase.Gateway
	History *usecase.History

	closers []func() error
}

// New builds every component described by cfg.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	bs, err := a.openBlobStore(ctx, cfg, loadAWS)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if cfg.BlobBackend == config.BackendNone {
		logger.Info("blob store not configured, chat persistence disabled")
	}

	store, err := repository.New(bs,
		repository.WithLocation(cfg.StorageLocation),
		repository.WithLookbackDays(cfg.LookbackDays),
		repository.WithListCap(cfg.ListCap),
		repository.WithOperationTimeout(cfg.StorageTimeout),
		repository.WithLogger(logger),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Store = store

	gen, err := newInferenceClient(cfg, loadAWS)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if !gen.Configured() {
		logger.Info("inference backend not configured, all replies use fallback")
	}

	a.Gateway, err = usecase.NewGateway(gen, store, usecase.GatewayConfig{
		DefaultModel:   cfg.DefaultModel,
		BackendTimeout: cfg.InferenceTimeout,
		MaxPromptLen:   cfg.MaxPromptLen,
	}, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.History, err = usecase.NewHistory(store, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) openBlobStore(ctx context.Context, cfg config.Config, loadAWS func() (aws.Config, error)) (blob.Store, error) {
	switch cfg.BlobBackend {
	case config.BackendNone:
		return blob.Disabled{}, nil
	case config.BackendMemory:
		return blob.NewMemory(), nil
	case config.BackendFile:
		return blob.NewFileStore(cfg.BlobDir)
	case config.BackendS3:
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return blob.NewS3Store(client, cfg.BlobBucket)
	case config.BackendDynamoDB:
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		bucket := cfg.BlobBucket
		if bucket == "" {
			bucket = defaultDynamoBucket
		}
		return blob.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable, bucket)
	case config.BackendGCS:
		client, err := blob.NewGCSClient(ctx, cfg.GCSCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("app: create GCS client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return blob.NewGCSStore(client.Bucket(cfg.BlobBucket))
	default:
		return nil, fmt.Errorf("app: unknown blob backend %q", cfg.BlobBackend)
	}
}

// newS3Client targets AWS S3, or any S3-compatible endpoint such as R2 when
// S3_ENDPOINT is set.
func newS3Client(ctx context.Context, cfg config.Config) (*awss3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, s3LoadOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("app: load S3 config: %w", err)
	}
	return awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// s3LoadOptions leaves the region to the SDK's default chain unless one is
// configured.
func s3LoadOptions(cfg config.Config) []func(*awsconfig.LoadOptions) error {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}
	return opts
}

func newInferenceClient(cfg config.Config, loadAWS func() (aws.Config, error)) (*inference.Client, error) {
	var opts []inference.Option
	switch {
	case cfg.InferenceAPIKey != "":
		opts = append(opts, inference.WithTokenSource(inference.StaticToken(cfg.InferenceAPIKey)))
	case cfg.InferenceAPIKeyParam != "" && cfg.InferenceEndpoint != "":
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
		ts, err := paramstore.NewTokenSource(ps, cfg.InferenceAPIKeyParam)
		if err != nil {
			return nil, err
		}
		opts = append(opts, inference.WithTokenSource(ts))
	}
	return inference.NewClient(cfg.InferenceEndpoint, opts...)
}
