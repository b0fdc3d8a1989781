package stack

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/openfroyo/tstack/pkg/config"
	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/providers/azure"
	"github.com/openfroyo/tstack/pkg/providers/docker"
	"github.com/openfroyo/tstack/pkg/providers/kube"
	"github.com/openfroyo/tstack/pkg/providers/local"
)

// LiveProviders returns the providers that talk to Azure, Microsoft Graph,
// the cluster API server and the local docker daemon. ARM and Graph share
// one DefaultAzureCredential.
func LiveProviders(cfg *config.StackConfig) (*engine.ProviderRegistry, error) {
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("a subscription id is required to deploy (set subscriptionId or TSTACK_SUBSCRIPTION_ID)")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}

	arm, err := azure.New(azure.Config{SubscriptionID: cfg.SubscriptionID, Credential: cred})
	if err != nil {
		return nil, err
	}
	graph, err := azure.NewGraph(cred)
	if err != nil {
		return nil, err
	}

	return engine.NewProviderRegistry(
		arm,
		graph,
		kube.New(kube.Config{}),
		docker.New(docker.Config{}),
		local.New(),
	), nil
}
