/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"math"
	"sort"

	"github.com/samber/lo"

	"github.com/kibotos/kibotos/pkg/store"
)

// maxU16 is the weight ceiling used by the chain-signing consumer
const maxU16 = 65535

// Aggregate folds per-submission final scores into normalized per-miner
// weights and per-miner score aggregates. Summing (rather than averaging)
// rewards both quality and volume. Deterministic given the input set; empty
// input yields empty maps.
func Aggregate(scored []store.ScoredSubmission) (store.WeightMap, []store.MinerScore) {
	if len(scored) == 0 {
		return store.WeightMap{}, nil
	}

	byMiner := lo.GroupBy(scored, func(s store.ScoredSubmission) int64 { return s.MinerUID })
	totals := make(map[int64]float64, len(byMiner))
	var grandTotal float64
	for uid, subs := range byMiner {
		total := lo.SumBy(subs, func(s store.ScoredSubmission) float64 { return s.FinalScore })
		totals[uid] = total
		grandTotal += total
	}
	if grandTotal == 0 {
		return store.WeightMap{}, nil
	}

	weights := make(store.WeightMap, len(totals))
	minerScores := make([]store.MinerScore, 0, len(totals))
	for uid, total := range totals {
		weights[uid] = total / grandTotal
		subs := byMiner[uid]
		avg := total / float64(len(subs))
		minerScores = append(minerScores, store.MinerScore{
			MinerUID:            uid,
			MinerHotkey:         subs[0].MinerHotkey,
			TotalSubmissions:    len(subs),
			AcceptedSubmissions: len(subs),
			AvgScore:            lo.ToPtr(avg),
			TotalScore:          lo.ToPtr(total),
		})
	}
	sort.Slice(minerScores, func(i, j int) bool { return minerScores[i].MinerUID < minerScores[j].MinerUID })
	return weights, minerScores
}

// ToU16 projects normalized weights onto [0, maxU16] with largest-remainder
// correction so the projected values always sum to exactly maxU16. Ties on
// remainder break by ascending uid, keeping the projection deterministic.
func ToU16(weights store.WeightMap) store.U16Weights {
	if len(weights) == 0 {
		return store.U16Weights{UIDs: []int64{}, Weights: []uint16{}}
	}

	uids := lo.Keys(weights)
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	type entry struct {
		idx       int
		remainder float64
	}
	scaled := make([]uint16, len(uids))
	remainders := make([]entry, len(uids))
	var sum int64
	for i, uid := range uids {
		exact := weights[uid] * maxU16
		base := math.Floor(exact)
		scaled[i] = uint16(base)
		remainders[i] = entry{idx: i, remainder: exact - base}
		sum += int64(base)
	}

	leftover := int64(maxU16) - sum
	sort.SliceStable(remainders, func(i, j int) bool { return remainders[i].remainder > remainders[j].remainder })
	for i := int64(0); i < leftover; i++ {
		scaled[remainders[i%int64(len(remainders))].idx]++
	}

	return store.U16Weights{UIDs: uids, Weights: scaled}
}
