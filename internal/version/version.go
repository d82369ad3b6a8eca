// ABOUTME: Version constants for tandem
// ABOUTME: Reported to peers in participant info
package version

const (
	// Version is the release version
	Version = "0.3.0"

	// Product is the product name
	Product = "Tandem"

	// Manufacturer identifies who builds it
	Manufacturer = "Resonate"
)
