package correlate

import "math"

// dbscan labels points with cluster indexes (0..k-1) or noise (-1) using
// classic density-based clustering. Point counts here are tiny (the new
// event plus its correlated targets), so the quadratic neighbor scan is
// fine.
func dbscan(points [][]float64, eps float64, minSamples int) []int {
	const (
		unvisited = -2
		noise     = -1
	)

	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = unvisited
	}

	cluster := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		neighbors := regionQuery(points, i, eps)
		if len(neighbors) < minSamples {
			labels[i] = noise
			continue
		}

		labels[i] = cluster
		queue := append([]int(nil), neighbors...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]

			if labels[j] == noise {
				labels[j] = cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster

			jNeighbors := regionQuery(points, j, eps)
			if len(jNeighbors) >= minSamples {
				queue = append(queue, jNeighbors...)
			}
		}
		cluster++
	}
	return labels
}

// regionQuery returns the indexes within eps of point i, including i.
func regionQuery(points [][]float64, i int, eps float64) []int {
	var neighbors []int
	for j := range points {
		if euclidean(points[i], points[j]) <= eps {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for d := range a {
		diff := a[d] - b[d]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
