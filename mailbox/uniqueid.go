package mailbox

import "fmt"

// uniqueIDModulus is the prime modulus used to fold a mailbox name into a
// stable 32-bit hash.
const uniqueIDModulus = 2147484043

// hashName folds name into a 32-bit value via a simple polynomial hash:
// hash = hash*251 + byte (mod uniqueIDModulus) over every byte. The
// accumulator is 64-bit so the product never wraps before the reduction.
func hashName(name string) uint32 {
	var h uint64
	for i := 0; i < len(name); i++ {
		h = (h*251 + uint64(name[i])) % uniqueIDModulus
	}
	return uint32(h)
}

// makeUniqueID derives a mailbox unique-id from its name and uidvalidity:
// the hex pair <hash32><uidvalidity32>.
func makeUniqueID(name string, uidvalidity uint32) string {
	return fmt.Sprintf("%08x%08x", hashName(name), uidvalidity)
}
