package mesh

// The naive split hands rank r a contiguous chunk of n/size items, plus one
// more for each of the lowest n%size ranks.

// ChunkSize returns the number of items rank r holds under the naive split.
func ChunkSize(n, size, r int) int {
	c := n / size
	if r < n%size {
		c++
	}
	return c
}

// ChunkStart returns the first global index held by rank r.
func ChunkStart(n, size, r int) int {
	rem := n % size
	if r < rem {
		return r * (n/size + 1)
	}
	return rem*(n/size+1) + (r-rem)*(n/size)
}

// ChunkOwner returns the rank holding global index id.
func ChunkOwner(n, size, id int) int {
	q, rem := n/size, n%size
	if id < rem*(q+1) {
		return id / (q + 1)
	}
	return rem + (id-rem*(q+1))/q
}

// ChunkSizes returns ChunkSize for every rank.
func ChunkSizes(n, size int) []int {
	out := make([]int, size)
	for r := range out {
		out[r] = ChunkSize(n, size, r)
	}
	return out
}
