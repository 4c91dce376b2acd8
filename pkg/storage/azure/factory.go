package azure

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/fgrzl/pubsublite/pkg/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	minTableNameLength = 3
	maxTableNameLength = 63
)

// AzureStoreOptions configures the Azure Table Storage client. Either an
// account key or the default Azure credential chain authenticates requests.
type AzureStoreOptions struct {
	Prefix                    string
	Endpoint                  string
	AccountName               string
	AccountKey                string
	UseDefaultAzureCredential bool
	AllowInsecureHTTP         bool // For local Azurite testing
}

// Validate reports every missing or conflicting setting at once.
func (o *AzureStoreOptions) Validate() error {
	var errs []error
	if o.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	hasKey := o.AccountName != "" || o.AccountKey != ""
	switch {
	case o.UseDefaultAzureCredential && hasKey:
		errs = append(errs, errors.New("account key and default credential are mutually exclusive"))
	case !o.UseDefaultAzureCredential && (o.AccountName == "" || o.AccountKey == ""):
		errs = append(errs, errors.New("account name and key are required without the default credential"))
	}
	return errors.Join(errs...)
}

// StoreFactory opens one table per store name, all sharing one credential.
type StoreFactory struct {
	prefix    string
	endpoint  string
	newClient func(url string) (*aztables.Client, error)
}

func NewStoreFactory(options *AzureStoreOptions) (*StoreFactory, error) {
	if options == nil {
		return nil, errors.New("azure store factory: options are required")
	}
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("azure store factory: %w", err)
	}

	clientOpts := &aztables.ClientOptions{}
	clientOpts.InsecureAllowCredentialWithHTTP = options.AllowInsecureHTTP

	f := &StoreFactory{prefix: options.Prefix, endpoint: strings.TrimSuffix(options.Endpoint, "/")}
	if options.UseDefaultAzureCredential {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("azure store factory: default credential: %w", err)
		}
		f.newClient = func(url string) (*aztables.Client, error) {
			return aztables.NewClient(url, cred, clientOpts)
		}
		return f, nil
	}

	cred, err := aztables.NewSharedKeyCredential(options.AccountName, options.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure store factory: shared key: %w", err)
	}
	f.newClient = func(url string) (*aztables.Client, error) {
		return aztables.NewClientWithSharedKey(url, cred, clientOpts)
	}
	return f, nil
}

func (f *StoreFactory) NewStore(ctx context.Context, name string) (storage.Store, error) {
	table := tableName(f.prefix + name)
	client, err := f.newClient(f.endpoint + "/" + table)
	if err != nil {
		return nil, fmt.Errorf("azure store factory: client for %s: %w", table, err)
	}
	return NewAzureStore(ctx, client, expirable.NewLRU[string, int64](CacheSize, nil, CacheTTL))
}

// tableName maps name onto Azure's table naming rules: alphanumeric, starting
// with a letter, 3 to 63 characters.
func tableName(name string) string {
	if name == "" {
		return ""
	}
	cleaned := strings.Map(func(r rune) rune {
		if isAlphanumeric(r) {
			return r
		}
		return -1
	}, name[1:])
	first := rune(name[0])
	if !isLetter(first) {
		first = 'T'
	}
	table := string(first) + cleaned
	if len(table) < minTableNameLength {
		table += strings.Repeat("0", minTableNameLength-len(table))
	}
	return table[:min(len(table), maxTableNameLength)]
}

func isLetter(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')
}

func isAlphanumeric(r rune) bool {
	return isLetter(r) || (r >= '0' && r <= '9')
}
