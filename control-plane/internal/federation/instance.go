package federation

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/pilot-net/svcmon/pkg/types"
)

// ErrUnknownInstance is returned when an instance id matches no known instance.
var ErrUnknownInstance = errors.New("unknown instance")

// Instance is a backend instance reachable at an API base URL.
type Instance struct {
	ID     string
	APIURL string
}

// NewInstance derives the instance id from the API URL.
func NewInstance(apiURL string) Instance {
	apiURL = normalizeURL(apiURL)
	return Instance{ID: InstanceIDFromURL(apiURL), APIURL: apiURL}
}

func normalizeURL(apiURL string) string {
	return strings.TrimRight(strings.TrimSpace(apiURL), "/")
}

// InstanceIDFromURL returns the stable id of the instance at apiURL. The id
// ignores case and trailing slashes, and can be turned back into the URL.
func InstanceIDFromURL(apiURL string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strings.ToLower(normalizeURL(apiURL))))
}

// URLFromInstanceID reverses InstanceIDFromURL. The URL is lower-cased.
func URLFromInstanceID(id string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownInstance, id)
	}
	return string(data), nil
}

// Peers is the immutable set of instances taking part in federation.
type Peers struct {
	self    Instance
	remotes []Instance
	byID    map[string]Instance
}

// NewPeers builds the peer set. Remotes that resolve to the local instance,
// or duplicate another remote, are dropped.
func NewPeers(selfURL string, remoteURLs []string) *Peers {
	p := &Peers{
		self: NewInstance(selfURL),
		byID: make(map[string]Instance),
	}
	p.byID[p.self.ID] = p.self

	for _, u := range remoteURLs {
		inst := NewInstance(u)
		if _, dup := p.byID[inst.ID]; dup {
			continue
		}
		p.byID[inst.ID] = inst
		p.remotes = append(p.remotes, inst)
	}
	return p
}

// Self returns the local instance.
func (p *Peers) Self() Instance {
	return p.self
}

// Remotes returns the remote instances in configuration order.
func (p *Peers) Remotes() []Instance {
	return append([]Instance(nil), p.remotes...)
}

// Resolve looks up an instance by id. isSelf reports the local instance.
func (p *Peers) Resolve(id string) (inst Instance, isSelf bool, err error) {
	inst, ok := p.byID[id]
	if !ok {
		return Instance{}, false, fmt.Errorf("%w: %q", ErrUnknownInstance, id)
	}
	return inst, inst.ID == p.self.ID, nil
}

// Info lists the remote instances for health reporting.
func (p *Peers) Info() []types.RemoteInstanceInfo {
	info := make([]types.RemoteInstanceInfo, 0, len(p.remotes))
	for _, r := range p.remotes {
		info = append(info, types.RemoteInstanceInfo{InstanceID: r.ID, APIURL: r.APIURL})
	}
	return info
}
