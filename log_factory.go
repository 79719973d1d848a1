package xatm

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/xatm/internal/clock"
	"pkt.systems/xatm/internal/tmlog"
	azurelog "pkt.systems/xatm/internal/tmlog/azure"
	"pkt.systems/xatm/internal/tmlog/disk"
	"pkt.systems/xatm/internal/tmlog/memory"
	"pkt.systems/xatm/internal/tmlog/objectlog"
	"pkt.systems/xatm/internal/tmlog/retry"
	"pkt.systems/xatm/internal/tmlog/s3"
)

// OpenLog opens the transaction log named by cfg.Log. Object store backends
// are wrapped with retries of transient failures.
func OpenLog(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (tmlog.Log, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	u, err := url.Parse(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("parse log URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "":
		return memory.New(), nil
	case "disk":
		dir, err := DiskLogDir(cfg.Log)
		if err != nil {
			return nil, err
		}
		return disk.Open(dir, disk.Options{
			SegmentSize: cfg.LogSegmentSize,
			Logger:      logger,
			Now:         clk.Now,
		})
	case "s3":
		s3cfg, prefix, err := BuildS3Config(cfg)
		if err != nil {
			return nil, err
		}
		store, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		return openObjectLog(store, "s3", prefix, cfg, logger, clk)
	case "azure":
		azcfg, prefix, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err := azurelog.New(ctx, azcfg)
		if err != nil {
			return nil, err
		}
		return openObjectLog(store, "azure", prefix, cfg, logger, clk)
	default:
		return nil, fmt.Errorf("log scheme %q not supported", u.Scheme)
	}
}

func openObjectLog(store objectlog.Store, backend, prefix string, cfg Config, logger pslog.Logger, clk clock.Clock) (tmlog.Log, error) {
	wrapped := retry.Wrap(store, logger.With("layer", "retry"), clk, retry.Config{
		MaxAttempts: cfg.LogRetryMaxAttempts,
		BaseDelay:   cfg.LogRetryBaseDelay,
		MaxDelay:    cfg.LogRetryMaxDelay,
		Multiplier:  cfg.LogRetryMultiplier,
	})
	return objectlog.New(wrapped, objectlog.Options{
		Backend: backend,
		Prefix:  prefix,
		Logger:  logger,
		Now:     clk.Now,
	})
}

// DiskLogDir extracts the directory of a disk:// log URL.
func DiskLogDir(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse log URL: %w", err)
	}
	if u.Scheme != "disk" {
		return "", fmt.Errorf("log scheme %q is not disk", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return "", fmt.Errorf("disk log path required (e.g. disk:///var/lib/xatm/log)")
	}
	return filepath.Clean(pathPart), nil
}

// BuildS3Config parses s3://host[:port]/bucket[/prefix] URLs. Query
// parameters insecure, path-style and region tune the client.
func BuildS3Config(cfg Config) (s3.Config, string, error) {
	u, err := url.Parse(cfg.Log)
	if err != nil {
		return s3.Config{}, "", fmt.Errorf("parse log URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, "", fmt.Errorf("log scheme %q is not s3", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, "", fmt.Errorf("s3 log missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return s3.Config{}, "", fmt.Errorf("s3 log missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix, _ := strings.Cut(path, "/")
	query := u.Query()
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	region := strings.TrimSpace(cfg.S3Region)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	creds, err := resolveS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, "", err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         region,
		Bucket:         bucket,
		Insecure:       insecure,
		ForcePathStyle: forcePath,
		CustomCreds:    creds,
	}, strings.Trim(prefix, "/"), nil
}

// resolveS3Credentials returns static credentials from cfg or the XATM_S3_*
// environment. Nil defers to the default AWS/MinIO credential chain.
func resolveS3Credentials(cfg Config) (*minioCredentials.Credentials, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	if accessKey == "" && secretKey == "" {
		accessKey = strings.TrimSpace(os.Getenv("XATM_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("XATM_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("XATM_S3_SESSION_TOKEN")
	}
	if accessKey == "" && secretKey == "" {
		return nil, nil
	}
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurelog.Config, string, error) {
	u, err := url.Parse(cfg.Log)
	if err != nil {
		return azurelog.Config{}, "", fmt.Errorf("parse log URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurelog.Config{}, "", fmt.Errorf("log scheme %q is not azure", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurelog.Config{}, "", fmt.Errorf("azure log: account name required (azure://account/container[/prefix])")
	}
	path := strings.Trim(u.Path, "/")
	container, prefix, _ := strings.Cut(path, "/")
	if container == "" {
		return azurelog.Config{}, "", fmt.Errorf("azure log missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("XATM_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("XATM_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurelog.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
	}, strings.Trim(prefix, "/"), nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
