package diarize

import (
	"fmt"
	"sort"
	"time"

	"github.com/bigmoletos/whisper-sub001/internal/transcript"
)

// Result is the outcome of reconciling diarization turns with the live
// transcript.
type Result struct {
	// Relabels maps segment sequence numbers to their final labels. Segments
	// no turn overlaps are absent and keep their heuristic label.
	Relabels map[int64]string
	// Names maps final labels to participant hint names, most active
	// speaker first.
	Names map[string]string
	// Clusters is the number of distinct speakers the model found.
	Clusters int
}

// Reconcile assigns each segment the label of the diarization cluster with
// the greatest temporal overlap, ties broken by earliest turn start. Final
// labels are SPEAKER_00.. ordered by cluster speaking time descending, and
// participant hints are applied in that same order. An empty turn list
// yields an empty result; the caller keeps the heuristic labels.
func Reconcile(turns []Turn, segments []transcript.Segment, hints []string) Result {
	res := Result{Relabels: map[int64]string{}, Names: map[string]string{}}
	if len(turns) == 0 {
		return res
	}

	sorted := make([]Turn, len(turns))
	copy(sorted, turns)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	totals := map[string]time.Duration{}
	for _, t := range sorted {
		totals[t.Cluster] += t.End - t.Start
	}
	labels := clusterLabels(totals)
	res.Clusters = len(labels)

	for _, seg := range segments {
		cluster, found := bestCluster(sorted, seg)
		if !found {
			continue
		}
		res.Relabels[seg.Seq] = labels[cluster]
	}

	ordered := orderedClusters(totals)
	for i, hint := range hints {
		if i >= len(ordered) {
			break
		}
		res.Names[labels[ordered[i]]] = hint
	}
	return res
}

// bestCluster finds the cluster whose turns overlap the segment the most.
// Turns arrive sorted by start, so on equal overlap the earliest turn wins.
func bestCluster(sorted []Turn, seg transcript.Segment) (string, bool) {
	var (
		best    string
		bestLap time.Duration
		found   bool
	)
	for _, t := range sorted {
		if t.Start >= seg.End {
			break
		}
		lap := overlap(seg.Start, seg.End, t.Start, t.End)
		if lap <= 0 {
			continue
		}
		if lap > bestLap {
			best = t.Cluster
			bestLap = lap
			found = true
		}
	}
	return best, found
}

func overlap(aStart, aEnd, bStart, bEnd time.Duration) time.Duration {
	start := aStart
	if bStart > start {
		start = bStart
	}
	end := aEnd
	if bEnd < end {
		end = bEnd
	}
	return end - start
}

// clusterLabels assigns SPEAKER_NN labels by speaking time descending.
func clusterLabels(totals map[string]time.Duration) map[string]string {
	labels := make(map[string]string, len(totals))
	for i, cluster := range orderedClusters(totals) {
		labels[cluster] = fmt.Sprintf("SPEAKER_%02d", i)
	}
	return labels
}

func orderedClusters(totals map[string]time.Duration) []string {
	clusters := make([]string, 0, len(totals))
	for c := range totals {
		clusters = append(clusters, c)
	}
	sort.Slice(clusters, func(i, j int) bool {
		if totals[clusters[i]] != totals[clusters[j]] {
			return totals[clusters[i]] > totals[clusters[j]]
		}
		return clusters[i] < clusters[j]
	})
	return clusters
}
