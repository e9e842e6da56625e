package microvm

import (
	"fmt"
	"net"

	"github.com/google/uuid"
)

// labSlice is a /30-style per-lab slice of the configured microVM subnet:
// host-bridge address, guest address, and a broadcast-ish top address
// reserved the same way a /30 would reserve its network/broadcast pair.
type labSlice struct {
	HostAddr  string
	GuestAddr string
	Mask      string
}

// allocateSlice derives a deterministic /30 slice for labID within subnetCIDR.
// Deterministic derivation means no extra persistent allocation table is
// needed: the same lab id always maps to the same slice for the lifetime of
// the lab, and slices are returned to the pool simply by no longer being in
// use (the store's active-lab set is the only bookkeeping required).
func allocateSlice(subnetCIDR string, labID uuid.UUID) (*labSlice, error) {
	_, ipnet, err := net.ParseCIDR(subnetCIDR)
	if err != nil {
		return nil, fmt.Errorf("microvm: invalid subnet %q: %w", subnetCIDR, err)
	}

	ones, bits := ipnet.Mask.Size()
	available := bits - ones
	if available < 2 {
		return nil, fmt.Errorf("microvm: subnet %q too small for per-lab slices", subnetCIDR)
	}

	h := uuidToUint32(labID)
	// Reserve slice index 0 for infrastructure; never hand out a /30 whose
	// index would overflow the subnet's host space.
	maxSlices := uint32(1) << uint(available-2)
	if maxSlices == 0 {
		maxSlices = 1
	}
	idx := (h % (maxSlices - 1)) + 1

	base := ipToUint32(ipnet.IP)
	sliceBase := base + idx*4

	hostAddr := uint32ToIP(sliceBase + 1)
	guestAddr := uint32ToIP(sliceBase + 2)

	return &labSlice{
		HostAddr:  hostAddr.String(),
		GuestAddr: guestAddr.String(),
		Mask:      "255.255.255.252",
	}, nil
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func uuidToUint32(id uuid.UUID) uint32 {
	b := id[:]
	return uint32(b[12])<<24 | uint32(b[13])<<16 | uint32(b[14])<<8 | uint32(b[15])
}
