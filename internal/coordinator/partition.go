package coordinator

// Partition splits units across n workers. Every worker receives at most
// ceil(len(units)/n) consecutive units; earlier workers are filled first, so
// trailing workers may receive nothing.
func Partition(units []any, n int) [][]any {
	if n <= 0 {
		return nil
	}
	parts := make([][]any, n)
	per := (len(units) + n - 1) / n
	for i := range parts {
		if len(units) == 0 {
			break
		}
		k := min(per, len(units))
		parts[i] = units[:k:k]
		units = units[k:]
	}
	return parts
}
