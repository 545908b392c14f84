package forest

import (
	"math/rand/v2"
	"slices"
)

// node is a flattened tree node. Leaves have left == -1.
type node struct {
	feature   int
	threshold float64
	left      int32
	right     int32
	class     int
}

// Tree is a single CART classification tree.
type Tree struct {
	nodes []node
}

func (t *Tree) predict(x []float64) int {
	i := int32(0)
	for {
		n := &t.nodes[i]
		if n.left < 0 {
			return n.class
		}
		if x[n.feature] <= n.threshold {
			i = n.left
		} else {
			i = n.right
		}
	}
}

// Depth returns the depth of the deepest leaf (root only = 0)
func (t *Tree) Depth() int {
	var walk func(i int32) int
	walk = func(i int32) int {
		n := t.nodes[i]
		if n.left < 0 {
			return 0
		}
		return 1 + max(walk(n.left), walk(n.right))
	}
	return walk(0)
}

// Leaves returns the number of leaf nodes
func (t *Tree) Leaves() int {
	count := 0
	for _, n := range t.nodes {
		if n.left < 0 {
			count++
		}
	}
	return count
}

// treeBuilder grows one tree over a bootstrap sample.
type treeBuilder struct {
	x           [][]float64
	y           []int
	nClasses    int
	nFeatures   int
	maxFeatures int
	maxDepth    int
	minSplit    int
	rng         *rand.Rand
	nodes       []node
}

func (b *treeBuilder) build(rows []int) *Tree {
	b.grow(rows, 0)
	return &Tree{nodes: b.nodes}
}

func (b *treeBuilder) grow(rows []int, depth int) int32 {
	counts := make([]int, b.nClasses)
	for _, r := range rows {
		counts[b.y[r]]++
	}

	self := int32(len(b.nodes))
	b.nodes = append(b.nodes, node{left: -1, right: -1, class: majority(counts)})

	if b.maxDepth > 0 && depth >= b.maxDepth {
		return self
	}
	if len(rows) < b.minSplit || isPure(counts) {
		return self
	}

	feature, threshold, ok := b.bestSplit(rows, counts)
	if !ok {
		return self
	}

	var left, right []int
	for _, r := range rows {
		if b.x[r][feature] <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[self].feature = feature
	b.nodes[self].threshold = threshold
	b.nodes[self].left = l
	b.nodes[self].right = r
	return self
}

// bestSplit scans a random subset of features for the threshold with the
// lowest weighted Gini impurity. If none of the sampled features can split
// the node, the remaining features are tried in the same random order.
func (b *treeBuilder) bestSplit(rows []int, counts []int) (int, float64, bool) {
	order := b.rng.Perm(b.nFeatures)

	bestFeature := -1
	bestThreshold := 0.0
	bestScore := 0.0

	sorted := make([]int, len(rows))
	leftCounts := make([]int, b.nClasses)
	rightCounts := make([]int, b.nClasses)

	for visited, f := range order {
		if visited >= b.maxFeatures && bestFeature >= 0 {
			break
		}

		copy(sorted, rows)
		slices.SortStableFunc(sorted, func(a, c int) int {
			va, vc := b.x[a][f], b.x[c][f]
			switch {
			case va < vc:
				return -1
			case va > vc:
				return 1
			}
			return 0
		})

		clear(leftCounts)
		copy(rightCounts, counts)
		var sqLeft float64
		var sqRight float64
		for _, c := range rightCounts {
			sqRight += float64(c) * float64(c)
		}

		n := len(sorted)
		for i := 0; i < n-1; i++ {
			c := b.y[sorted[i]]
			sqLeft += float64(2*leftCounts[c] + 1)
			leftCounts[c]++
			sqRight -= float64(2*rightCounts[c] - 1)
			rightCounts[c]--

			v, next := b.x[sorted[i]][f], b.x[sorted[i+1]][f]
			if v == next {
				continue
			}

			nl := float64(i + 1)
			nr := float64(n - i - 1)
			// n * weighted gini, up to the constant n.
			score := (nl - sqLeft/nl) + (nr - sqRight/nr)

			if bestFeature < 0 || score < bestScore {
				bestFeature = f
				bestThreshold = (v + next) / 2
				bestScore = score
			}
		}
	}

	return bestFeature, bestThreshold, bestFeature >= 0
}

// majority returns the most frequent class, lowest label on ties.
func majority(counts []int) int {
	best := 0
	for c := 1; c < len(counts); c++ {
		if counts[c] > counts[best] {
			best = c
		}
	}
	return best
}

func isPure(counts []int) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}
