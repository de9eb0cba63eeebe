// Package azure snapshots an Azure Blob Storage container prefix into a
// content store.
package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/content"
)

const sourceName = "azure"

// Config controls the container source. Either AccountKey or SASToken must be
// supplied.
type Config struct {
	Account    string
	AccountKey string
	SASToken   string
	Endpoint   string
	Container  string
	Prefix     string
}

// Source reads blobs from one container prefix.
type Source struct {
	client   *azblob.Client
	endpoint string
	cfg      Config
}

// New constructs a Source.
func New(cfg Config) (*Source, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{Transport: defaultTransporter()},
	}
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Source{client: client, endpoint: endpoint, cfg: cfg}, nil
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Config returns the configuration in use.
func (s *Source) Config() Config { return s.cfg }

// Endpoint reports the service endpoint without any SAS token.
func (s *Source) Endpoint() string { return s.endpoint }

// Build lists every blob under the prefix and loads it into a store. Empty
// blobs and directory placeholders are skipped.
func (s *Source) Build(ctx context.Context, opts content.BuilderOptions, logger pslog.Logger) (*content.Store, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	opts.Source = sourceName
	builder := content.NewBuilder(opts)
	listPrefix := ""
	if s.cfg.Prefix != "" {
		listPrefix = s.cfg.Prefix + "/"
	}
	listOpts := &azblob.ListBlobsFlatOptions{}
	if listPrefix != "" {
		listOpts.Prefix = &listPrefix
	}
	skipped := 0
	pager := s.client.NewListBlobsFlatPager(s.cfg.Container, listOpts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, content.NewBuildError(sourceName, listPrefix, fmt.Errorf("list blobs: %w", err))
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			name := *item.Name
			var size int64
			if item.Properties != nil && item.Properties.ContentLength != nil {
				size = *item.Properties.ContentLength
			}
			if size == 0 || strings.HasSuffix(name, "/") {
				skipped++
				continue
			}
			key := content.KeyFromRelative(strings.TrimPrefix(name, listPrefix))
			if key == "" {
				skipped++
				continue
			}
			data, err := s.readBlob(ctx, name, size, builder.Remaining())
			if err != nil {
				return nil, content.NewBuildError(sourceName, name, err)
			}
			if err := builder.Add(key, data); err != nil {
				return nil, err
			}
		}
	}
	store := builder.Build()
	logger.Info("content.azure.built", "container", s.cfg.Container, "prefix", s.cfg.Prefix, "entries", store.Len(), "bytes", store.Size(), "skipped", skipped)
	return store, nil
}

func (s *Source) readBlob(ctx context.Context, name string, size, limit int64) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.cfg.Container, name, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("blob vanished during listing: %w", err)
		}
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	return content.ReadEntry(resp.Body, size, limit)
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
