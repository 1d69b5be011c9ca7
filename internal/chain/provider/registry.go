package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"LoanSolver-Chain/internal/chain"
	"LoanSolver-Chain/internal/chain/ethereum"
)

// Registry manages a set of chain clients keyed by chain id, together with
// the endpoint records they were dialled from.
type Registry struct {
	endpoints *chain.Endpoints
	clients   map[uint64]chain.Client
}

// NewRegistry instantiates a concrete client for every configured endpoint.
func NewRegistry(ctx context.Context, endpoints *chain.Endpoints) (*Registry, error) {
	if endpoints == nil || len(endpoints.ChainIDs()) == 0 {
		return nil, errors.New("no chain endpoints configured")
	}

	clients := make(map[uint64]chain.Client)
	for _, chainID := range endpoints.ChainIDs() {
		endpoint, _ := endpoints.ByID(chainID)
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:   endpoint.Name,
			RPCURL: endpoint.RPCURL,
			WSURL:  endpoint.WSURL,
		})
		if err != nil {
			for _, dialled := range clients {
				dialled.Close()
			}
			return nil, fmt.Errorf("initialise chain %d (%s): %w", chainID, endpoint.Name, err)
		}
		clients[chainID] = client
	}

	return &Registry{endpoints: endpoints, clients: clients}, nil
}

// Client returns the chain client identified by chain id.
func (r *Registry) Client(chainID uint64) (chain.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[chainID]
	return client, ok
}

// Endpoint returns the endpoint record identified by chain id.
func (r *Registry) Endpoint(chainID uint64) (chain.Endpoint, bool) {
	if r == nil {
		return chain.Endpoint{}, false
	}
	return r.endpoints.ByID(chainID)
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for chainID, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, chainID)
	}
}

// ChainIDs returns the list of registered chain ids in ascending order.
func (r *Registry) ChainIDs() []uint64 {
	if r == nil {
		return nil
	}
	ids := make([]uint64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
