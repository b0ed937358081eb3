package session

import (
	"fmt"
	"sort"
	"strings"

	"keyvault/go-backend/pkg/models"
)

const evmNamespace = "eip155"

// BuildNamespaces derives the session namespaces for a proposal. Each
// requested chain gets exactly one account, {chain}:{address}; methods and
// events are the union of what the peer required and optionally asked for.
// Required namespaces other than eip155 cannot be served by an EVM key and
// fail; optional ones are skipped.
func BuildNamespaces(p models.SessionProposal, address string) (models.Namespaces, error) {
	type acc struct {
		chains  map[string]struct{}
		methods map[string]struct{}
		events  map[string]struct{}
	}
	merged := map[string]*acc{}
	add := func(key string, ns models.Namespace, required bool) error {
		name, chainsFromKey := splitNamespaceKey(key)
		if name != evmNamespace {
			if required {
				return fmt.Errorf("%w: %s", ErrUnsupportedNamespace, key)
			}
			return nil
		}
		a, ok := merged[name]
		if !ok {
			a = &acc{chains: map[string]struct{}{}, methods: map[string]struct{}{}, events: map[string]struct{}{}}
			merged[name] = a
		}
		for _, c := range append(chainsFromKey, ns.Chains...) {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			if !strings.HasPrefix(c, name+":") {
				return fmt.Errorf("%w: chain %s outside namespace %s", ErrUnsupportedNamespace, c, name)
			}
			a.chains[c] = struct{}{}
		}
		for _, m := range ns.Methods {
			a.methods[m] = struct{}{}
		}
		for _, e := range ns.Events {
			a.events[e] = struct{}{}
		}
		return nil
	}
	for _, key := range p.RequiredNamespaces.Keys() {
		if err := add(key, p.RequiredNamespaces[key], true); err != nil {
			return nil, err
		}
	}
	for _, key := range p.OptionalNamespaces.Keys() {
		if err := add(key, p.OptionalNamespaces[key], false); err != nil {
			return nil, err
		}
	}

	out := models.Namespaces{}
	for name, a := range merged {
		if len(a.chains) == 0 {
			continue
		}
		chains := sortedKeys(a.chains)
		accounts := make([]string, 0, len(chains))
		for _, c := range chains {
			accounts = append(accounts, c+":"+address)
		}
		out[name] = models.Namespace{
			Chains:   chains,
			Methods:  sortedKeys(a.methods),
			Events:   sortedKeys(a.events),
			Accounts: accounts,
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no chains requested", ErrUnsupportedNamespace)
	}
	return out, nil
}

// splitNamespaceKey handles both "eip155" and the inline form "eip155:1".
func splitNamespaceKey(key string) (string, []string) {
	key = strings.TrimSpace(key)
	if name, _, ok := strings.Cut(key, ":"); ok {
		return name, []string{key}
	}
	return key, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func allowsChain(ns models.Namespaces, chain string) bool {
	name, _, _ := strings.Cut(chain, ":")
	for _, c := range ns[name].Chains {
		if c == chain {
			return true
		}
	}
	return false
}

func allowsMethod(ns models.Namespaces, chain, method string) bool {
	name, _, _ := strings.Cut(chain, ":")
	for _, m := range ns[name].Methods {
		if m == method {
			return true
		}
	}
	return false
}
