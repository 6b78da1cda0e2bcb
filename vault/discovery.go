package vault

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"github.com/ruteri/secretvault/api/clients"
)

// SRVTarget is one node endpoint found in an SRV answer.
type SRVTarget struct {
	Target   string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// Address returns host:port without the trailing root dot.
func (t SRVTarget) Address() string {
	return net.JoinHostPort(strings.TrimSuffix(t.Target, "."), strconv.Itoa(int(t.Port)))
}

// ResolveSRV queries resolver for the SRV records of name. Targets are
// ordered by priority, target and port so that every client derives the
// same node order.
func ResolveSRV(ctx context.Context, resolver, name string) ([]SRVTarget, error) {
	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: dns.TypeSRV, Qclass: dns.ClassINET}}

	c := new(dns.Client)
	in, _, err := c.ExchangeContext(ctx, m, resolver)
	if err != nil {
		return nil, fmt.Errorf("srv lookup of %s failed: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("srv lookup of %s failed: %s", name, dns.RcodeToString[in.Rcode])
	}

	targets := make([]SRVTarget, 0, len(in.Answer))
	for _, a := range in.Answer {
		if srv, ok := a.(*dns.SRV); ok {
			targets = append(targets, SRVTarget{
				Target:   srv.Target,
				Port:     srv.Port,
				Priority: srv.Priority,
				Weight:   srv.Weight,
			})
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no srv records for %s", name)
	}

	sort.Slice(targets, func(i, j int) bool {
		a, b := targets[i], targets[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Port < b.Port
	})
	return targets, nil
}

// Discover resolves the nodes named by cfg and asks each for its DID.
func Discover(ctx context.Context, cfg DiscoveryConfig) ([]NodeConfig, error) {
	targets, err := ResolveSRV(ctx, cfg.Resolver, cfg.SRV)
	if err != nil {
		return nil, err
	}

	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}

	nodes := make([]NodeConfig, 0, len(targets))
	for _, t := range targets {
		url := scheme + "://" + t.Address()
		info, err := clients.NewNodeClient(url, "", nil).About(ctx)
		if err != nil {
			return nil, fmt.Errorf("could not identify node %s: %w", url, err)
		}
		nodes = append(nodes, NodeConfig{URL: url, DID: info.DID})
	}
	return nodes, nil
}
