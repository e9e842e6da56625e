package microvm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/octolab-io/octolab/internal/subprocess"
)

// ruleComment tags every packet-filter rule this lab creates so teardown
// can select exactly this lab's rules and nothing else's.
func ruleComment(labID uuid.UUID) string {
	return "octolab-lab=" + labID.String()
}

// setupNetworking creates the TAP device and attaches it to the host
// bridge address for this lab's slice, plus an egress-masquerade rule.
func setupNetworking(ctx context.Context, tap string, slice *labSlice) error {
	if _, err := subprocess.Run(ctx, "ip", []string{"tuntap", "add", "dev", tap, "mode", "tap"}, subprocess.WithTimeout(5*time.Second)); err != nil {
		return fmt.Errorf("creating tap %s: %w", tap, err)
	}
	if _, err := subprocess.Run(ctx, "ip", []string{"addr", "add", slice.HostAddr + "/30", "dev", tap}, subprocess.WithTimeout(5*time.Second)); err != nil {
		return fmt.Errorf("assigning address to tap %s: %w", tap, err)
	}
	if _, err := subprocess.Run(ctx, "ip", []string{"link", "set", tap, "up"}, subprocess.WithTimeout(5*time.Second)); err != nil {
		return fmt.Errorf("bringing up tap %s: %w", tap, err)
	}
	return nil
}

// addPortForward installs a host:hostPort -> guestAddr:guestPort DNAT rule
// tagged with this lab's id.
func addPortForward(ctx context.Context, labID uuid.UUID, hostPort int, guestAddr string, guestPort int) error {
	comment := ruleComment(labID)
	_, err := subprocess.Run(ctx, "iptables", []string{
		"-t", "nat", "-A", "PREROUTING",
		"-p", "tcp", "--dport", fmt.Sprintf("%d", hostPort),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", guestAddr, guestPort),
		"-m", "comment", "--comment", comment,
	}, subprocess.WithTimeout(5*time.Second))
	if err != nil {
		return fmt.Errorf("adding port forward for %s: %w", labID, err)
	}
	return nil
}

// removePortForward removes every PREROUTING DNAT rule tagged with labID's
// comment, no-op if none remain.
func removePortForward(ctx context.Context, labID uuid.UUID) []string {
	return removeTaggedRules(ctx, "nat", "PREROUTING", labID)
}

// removeEgressRules removes every FORWARD/POSTROUTING rule tagged with
// labID's comment.
func removeEgressRules(ctx context.Context, labID uuid.UUID) []string {
	removed := removeTaggedRules(ctx, "nat", "POSTROUTING", labID)
	removed = append(removed, removeTaggedRules(ctx, "filter", "FORWARD", labID)...)
	return removed
}

func removeTaggedRules(ctx context.Context, table, chain string, labID uuid.UUID) []string {
	comment := ruleComment(labID)
	var removed []string
	for i := 0; i < 50; i++ {
		res, err := subprocess.Run(ctx, "iptables", []string{"-t", table, "-S", chain}, subprocess.WithTimeout(5*time.Second))
		if err != nil || res.ExitCode != 0 {
			break
		}
		line := findRuleLine(res.Stdout, comment)
		if line == "" {
			break
		}
		delArgs := toDeleteArgs(table, chain, line)
		if _, err := subprocess.Run(ctx, "iptables", delArgs, subprocess.WithTimeout(5*time.Second)); err != nil {
			break
		}
		removed = append(removed, line)
	}
	return removed
}

func findRuleLine(listing, comment string) string {
	for _, line := range strings.Split(listing, "\n") {
		if strings.Contains(line, comment) {
			return line
		}
	}
	return ""
}

// toDeleteArgs turns a "-A CHAIN ..." rule-spec line from `iptables -S`
// into a "-t table -D CHAIN ..." delete invocation.
func toDeleteArgs(table, chain, addLine string) []string {
	fields := strings.Fields(addLine)
	if len(fields) > 0 && fields[0] == "-A" {
		fields = fields[2:]
	}
	args := []string{"-t", table, "-D", chain}
	return append(args, fields...)
}

// teardownNetworking removes the TAP device. No-op if already gone.
func teardownNetworking(ctx context.Context, tap string, labID uuid.UUID) error {
	_, _ = subprocess.Run(ctx, "ip", []string{"link", "delete", tap}, subprocess.WithTimeout(5*time.Second))
	return nil
}
