package samm

import "github.com/consensys/gnark/frontend"

// verifyPath hashes leaf up the tree and returns the root.
// indices[i] == 0 puts the running node on the left of siblings[i].
func verifyPath(api frontend.API, hashOf func(...frontend.Variable) frontend.Variable, leaf frontend.Variable, siblings, indices []frontend.Variable) frontend.Variable {
	cur := leaf
	for i, sibling := range siblings {
		api.AssertIsBoolean(indices[i])
		left := api.Select(indices[i], sibling, cur)
		right := api.Select(indices[i], cur, sibling)
		cur = hashOf(left, right)
	}
	return cur
}
