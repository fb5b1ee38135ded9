package domain

import (
	"slices"
	"strings"
)

// ListKind selects one of the two sender lists.
type ListKind string

const (
	ListAllow ListKind = "allow"
	ListDeny  ListKind = "deny"
)

func (k ListKind) Valid() bool {
	return k == ListAllow || k == ListDeny
}

// FilterSettings is an immutable snapshot of one recipient's sender rules for
// one mailbox. Mutations go through the filter service, which returns a new
// snapshot.
type FilterSettings struct {
	accountID        string
	mailbox          string
	allowListEnabled bool
	allow            map[string]struct{}
	deny             map[string]struct{}
}

// NewFilterSettings builds a snapshot. Addresses are lowercased.
func NewFilterSettings(accountID, mailbox string, allowListEnabled bool, allow, deny []string) *FilterSettings {
	return &FilterSettings{
		accountID:        accountID,
		mailbox:          mailbox,
		allowListEnabled: allowListEnabled,
		allow:            toSet(allow),
		deny:             toSet(deny),
	}
}

// DefaultFilterSettings is what a recipient without stored rules gets.
func DefaultFilterSettings(accountID, mailbox string) *FilterSettings {
	return NewFilterSettings(accountID, mailbox, false, nil, nil)
}

func toSet(addrs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return set
}

func (f *FilterSettings) AccountID() string      { return f.accountID }
func (f *FilterSettings) Mailbox() string        { return f.mailbox }
func (f *FilterSettings) AllowListEnabled() bool { return f.allowListEnabled }

func (f *FilterSettings) Allowed(addr string) bool {
	_, ok := f.allow[strings.ToLower(strings.TrimSpace(addr))]
	return ok
}

func (f *FilterSettings) Denied(addr string) bool {
	_, ok := f.deny[strings.ToLower(strings.TrimSpace(addr))]
	return ok
}

// AllowList returns the allow-listed senders, sorted.
func (f *FilterSettings) AllowList() []string { return sortedKeys(f.allow) }

// DenyList returns the deny-listed senders, sorted.
func (f *FilterSettings) DenyList() []string { return sortedKeys(f.deny) }

// ShouldNotify applies the rules to a bare sender address. The deny list wins
// over the allow list; with the allow list off everything else passes.
func (f *FilterSettings) ShouldNotify(sender string) bool {
	if f.Denied(sender) {
		return false
	}
	if f.allowListEnabled {
		return f.Allowed(sender)
	}
	return true
}

// View is the JSON form of a snapshot.
func (f *FilterSettings) View() FilterView {
	return FilterView{
		AccountID:        f.accountID,
		Mailbox:          f.mailbox,
		AllowListEnabled: f.allowListEnabled,
		AllowList:        f.AllowList(),
		DenyList:         f.DenyList(),
	}
}

type FilterView struct {
	AccountID        string   `json:"account_id"`
	Mailbox          string   `json:"mailbox"`
	AllowListEnabled bool     `json:"allow_list_enabled"`
	AllowList        []string `json:"allow_list"`
	DenyList         []string `json:"deny_list"`
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
