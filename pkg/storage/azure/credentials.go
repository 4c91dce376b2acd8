package azure

import "cmp"

// Well-known Azurite development account.
const (
	AzuriteAccountName = "devstoreaccount1"
	AzuriteAccountKey  = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
)

// AzuriteOptions returns options for a local Azurite table endpoint.
func AzuriteOptions(endpoint, prefix string) *AzureStoreOptions {
	return &AzureStoreOptions{
		Prefix:            prefix,
		Endpoint:          cmp.Or(endpoint, "http://127.0.0.1:10002/"+AzuriteAccountName),
		AccountName:       AzuriteAccountName,
		AccountKey:        AzuriteAccountKey,
		AllowInsecureHTTP: true,
	}
}
