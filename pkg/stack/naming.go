package stack

// ResourceGroupPrefix starts every generated resource group name.
const ResourceGroupPrefix = "t-"

// SuffixLength is the length of the random resource group suffix.
const SuffixLength = 6

// ResourceGroupName derives the resource group name from the random suffix.
func ResourceGroupName(suffix string) string {
	return ResourceGroupPrefix + suffix
}
