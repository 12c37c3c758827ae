package community

import (
	"sort"

	"github.com/soundprediction/mnemosyne/pkg/driver"
)

// graph is a symmetric weighted adjacency built from the entity graph.
// Adjacency weights are edge confidences; parallel edges accumulate.
type graph struct {
	nodes []string
	adj   map[string]map[string]float64
	// deg is the weighted degree of each node; m2 is the sum of all degrees,
	// twice the total edge weight.
	deg map[string]float64
	m2  float64
}

func buildGraph(keys []string, edges []driver.WeightedEdge) *graph {
	g := &graph{
		adj: map[string]map[string]float64{},
		deg: map[string]float64{},
	}
	seen := map[string]bool{}
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			g.nodes = append(g.nodes, k)
			g.adj[k] = map[string]float64{}
		}
	}
	sort.Strings(g.nodes)

	for _, e := range edges {
		if e.From == e.To || !seen[e.From] || !seen[e.To] || e.Weight <= 0 {
			continue
		}
		g.adj[e.From][e.To] += e.Weight
		g.adj[e.To][e.From] += e.Weight
		g.deg[e.From] += e.Weight
		g.deg[e.To] += e.Weight
		g.m2 += 2 * e.Weight
	}
	return g
}

// louvain runs the local-moving phase: every node starts alone and is moved
// to the neighboring community with the best modularity gain until a full
// pass makes no move or the iteration cap is hit.
func (g *graph) louvain(maxIterations int) map[string]int {
	assignment := make(map[string]int, len(g.nodes))
	for i, node := range g.nodes {
		assignment[node] = i
	}
	if g.m2 == 0 {
		return assignment
	}

	// tot is the summed degree of each community.
	tot := map[int]float64{}
	for node, c := range assignment {
		tot[c] += g.deg[node]
	}

	for iter := 0; iter < maxIterations; iter++ {
		moved := false
		for _, node := range g.nodes {
			current := assignment[node]

			// Weight from node to each neighboring community.
			links := map[int]float64{}
			for nb, w := range g.adj[node] {
				links[assignment[nb]] += w
			}

			tot[current] -= g.deg[node]

			best := current
			bestGain := links[current] - g.deg[node]*tot[current]/g.m2
			// Deterministic candidate order keeps runs reproducible.
			candidates := make([]int, 0, len(links))
			for c := range links {
				candidates = append(candidates, c)
			}
			sort.Ints(candidates)
			for _, c := range candidates {
				if c == current {
					continue
				}
				gain := links[c] - g.deg[node]*tot[c]/g.m2
				if gain > bestGain {
					bestGain = gain
					best = c
				}
			}

			tot[best] += g.deg[node]
			if best != current {
				assignment[node] = best
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	return normalize(assignment)
}

// mergeSmall dissolves communities below minSize, moving each member to the
// neighbor community with the greatest total edge weight. Members with no
// neighbors outside the dissolved community stay where they are.
func (g *graph) mergeSmall(assignment map[string]int, minSize int) map[string]int {
	sizes := map[int]int{}
	for _, c := range assignment {
		sizes[c]++
	}
	for _, node := range g.nodes {
		c := assignment[node]
		if sizes[c] >= minSize {
			continue
		}
		links := map[int]float64{}
		for nb, w := range g.adj[node] {
			target := assignment[nb]
			if target != c && sizes[target] >= minSize {
				links[target] += w
			}
		}
		best, bestWeight := c, 0.0
		candidates := make([]int, 0, len(links))
		for cand := range links {
			candidates = append(candidates, cand)
		}
		sort.Ints(candidates)
		for _, cand := range candidates {
			if links[cand] > bestWeight {
				bestWeight = links[cand]
				best = cand
			}
		}
		if best != c {
			sizes[c]--
			sizes[best]++
			assignment[node] = best
		}
	}
	return normalize(assignment)
}

// modularity computes Q = (1/2m) Σ_ij [A_ij - k_i k_j / 2m] δ(c_i, c_j).
func (g *graph) modularity(assignment map[string]int) float64 {
	if g.m2 == 0 {
		return 0
	}
	var q float64
	for _, i := range g.nodes {
		for _, j := range g.nodes {
			if assignment[i] != assignment[j] {
				continue
			}
			a := g.adj[i][j]
			q += a - g.deg[i]*g.deg[j]/g.m2
		}
	}
	return q / g.m2
}

// normalize renumbers community ids densely in node order.
func normalize(assignment map[string]int) map[string]int {
	nodes := make([]string, 0, len(assignment))
	for node := range assignment {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	remap := map[int]int{}
	out := make(map[string]int, len(assignment))
	for _, node := range nodes {
		c := assignment[node]
		if _, ok := remap[c]; !ok {
			remap[c] = len(remap)
		}
		out[node] = remap[c]
	}
	return out
}
