package sensors

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

// pciIdentity is the vendor/device pair of a PCI function plus its
// optional subsystem pair, all as lowercase 4-digit hex.
type pciIdentity struct {
	vendor, device       string
	subVendor, subDevice string
}

// parsePCIIdentity accepts "1022:1650" style ids as found in uevent.
func parsePCIIdentity(pciID, subsysID string) (pciIdentity, bool) {
	vendor, device, ok := strings.Cut(pciID, ":")
	if !ok {
		return pciIdentity{}, false
	}
	id := pciIdentity{vendor: hex4(vendor), device: hex4(device)}
	if id.vendor == "" || id.device == "" {
		return pciIdentity{}, false
	}
	if subVendor, subDevice, ok := strings.Cut(subsysID, ":"); ok {
		id.subVendor, id.subDevice = hex4(subVendor), hex4(subDevice)
	}
	return id, true
}

var pciNames = sync.OnceValue(func() *pcidb.PCIDB {
	db, err := pcidb.New()
	if err != nil {
		return nil
	}
	return db
})

// name resolves the most specific name pcidb knows: the subsystem, then
// the product, then the vendor. Empty when the database is unavailable.
func (id pciIdentity) name() string {
	db := pciNames()
	if db == nil {
		return ""
	}

	product := db.Products[id.vendor+id.device]
	if product == nil {
		if vendor := db.Vendors[id.vendor]; vendor != nil {
			return vendor.Name
		}
		return ""
	}

	if id.subVendor != "" && id.subDevice != "" {
		for _, sub := range product.Subsystems {
			if sub != nil && sub.Name != "" && strings.EqualFold(sub.VendorID, id.subVendor) && strings.EqualFold(sub.ID, id.subDevice) {
				return sub.Name
			}
		}
	}
	return product.Name
}

func hex4(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.TrimPrefix(value, "0x")
	if value == "" {
		return ""
	}
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}
