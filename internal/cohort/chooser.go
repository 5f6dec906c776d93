package cohort

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/spaolacci/murmur3"

	flowerrors "delayflow/internal/errors"
	"delayflow/internal/model"
)

const MustProcessAge = 60 * time.Second

// ageSlack absorbs float rounding in unix-second timestamps.
const ageSlack = 1e-3

type Chooser struct {
	numCohorts       int
	minSchedulingAge time.Duration
}

func NewChooser(numCohorts int, minSchedulingAge time.Duration) (*Chooser, error) {
	if numCohorts < 1 {
		return nil, flowerrors.NewConfigurationError(fmt.Sprintf("num_cohorts must be >= 1, got %d", numCohorts))
	}
	if minSchedulingAge < 0 || minSchedulingAge > MustProcessAge {
		return nil, flowerrors.NewConfigurationError(fmt.Sprintf("min_scheduling_age must be within [0s, %s], got %s", MustProcessAge, minSchedulingAge))
	}
	return &Chooser{numCohorts: numCohorts, minSchedulingAge: minSchedulingAge}, nil
}

func (c *Chooser) NumCohorts() int {
	return c.numCohorts
}

// Seedless, so the mapping survives restarts.
func (c *Chooser) ProjectIDToCohort(projectID int64) int {
	return projectIDToCohort(projectID, c.numCohorts)
}

func projectIDToCohort(projectID int64, numCohorts int) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(projectID))
	return int(murmur3.Sum32(b[:]) % uint32(numCohorts))
}

// ProjectIDsToProcess stamps every chosen cohort with fetchTime in updates.
// Overdue cohorts (older than MustProcessAge, or absent from updates) always
// run and take every eligible cohort along; with nothing overdue only the
// single oldest eligible cohort runs.
func (c *Chooser) ProjectIDsToProcess(fetchTime float64, updates *model.CohortUpdates, allProjectIDs []int64) []int64 {
	if updates.Values == nil {
		updates.Values = make(map[int]float64)
	}
	for co := range updates.Values {
		if co < 0 || co >= c.numCohorts {
			delete(updates.Values, co)
		}
	}

	chosen := c.chooseCohorts(fetchTime, updates)
	for _, co := range chosen {
		updates.Values[co] = fetchTime
	}

	byCohort := make(map[int][]int64, len(chosen))
	for _, co := range chosen {
		byCohort[co] = nil
	}
	for _, id := range allProjectIDs {
		co := c.ProjectIDToCohort(id)
		if ids, ok := byCohort[co]; ok {
			byCohort[co] = append(ids, id)
		}
	}
	out := make([]int64, 0, len(allProjectIDs))
	for _, co := range chosen {
		ids := byCohort[co]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out = append(out, ids...)
	}
	return out
}

func (c *Chooser) chooseCohorts(fetchTime float64, updates *model.CohortUpdates) []int {
	if c.numCohorts == 1 {
		return []int{0}
	}
	mustAge := MustProcessAge.Seconds() - ageSlack
	mayAge := c.minSchedulingAge.Seconds() - ageSlack

	var must, may []int
	for co := 0; co < c.numCohorts; co++ {
		ts, known := updates.Values[co]
		age := fetchTime - ts
		switch {
		case !known || age >= mustAge:
			must = append(must, co)
		case age >= mayAge:
			may = append(may, co)
		}
	}
	if len(must) > 0 {
		chosen := append(must, may...)
		sort.Ints(chosen)
		return chosen
	}
	if len(may) == 0 {
		return nil
	}
	oldest := may[0]
	for _, co := range may[1:] {
		if updates.Values[co] < updates.Values[oldest] {
			oldest = co
		}
	}
	return []int{oldest}
}
