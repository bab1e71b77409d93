package naming

import (
	"context"
)

// ResolveRequest is the logical naming resolution request. Framing and
// headers belong to the transport, which is out of scope here.
type ResolveRequest struct {
	Name string
	Key  PartitionKey
	// PreviousVersion, when set, tells the naming service which snapshot the
	// caller already has.
	PreviousVersion *RSPVersion
	// IncludePSD asks the reply to also carry the service descriptor.
	IncludePSD bool
}

// ResolveReply carries the resolved location and, for prefix resolution or
// when requested, the matching descriptor.
type ResolveReply struct {
	RSP *RSP
	PSD *PSD
}

// Gateway is the resolution cache's view of the naming service. The real
// implementation rides the cluster transport; tests stub it.
type Gateway interface {
	// GetServiceDescription fetches the PSD for a service name.
	GetServiceDescription(ctx context.Context, name string) (*PSD, error)
	// ResolveServicePartition resolves one partition's current location.
	ResolveServicePartition(ctx context.Context, req ResolveRequest) (*ResolveReply, error)
	// PrefixResolveServicePartition resolves via longest-prefix match; the
	// reply always carries the PSD of the matched prefix.
	PrefixResolveServicePartition(ctx context.Context, req ResolveRequest) (*ResolveReply, error)
}
