package predict

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-delay-predictor/internal/history"
	"bus-delay-predictor/internal/timenorm"
	"bus-delay-predictor/internal/transit"
)

// 2024-01-03 is a Wednesday and not a holiday; 10:20 is off-peak.
var baseRequest = transit.PredictionRequest{
	ServiceID:   9,
	StopName:    "  Market Street ",
	Destination: "BURY",
	Date:        "2024-01-03",
	Time:        "10:20",
}

func histFact(id string, sched, dow int, delay int) transit.StopFact {
	return transit.StopFact{
		ID:             id,
		ServiceID:      9,
		JourneyID:      "j" + id,
		StopIndex:      4,
		StopName:       "Market Street",
		StopKey:        "market street",
		Destination:    "Bury",
		DestinationKey: "bury",
		Date:           "2023-12-20",
		ScheduledDep:   timenorm.MinutesToClock(sched),
		ScheduledMins:  sched,
		DelayMins:      &delay,
		DayOfWeek:      dow,
	}
}

func seed(t *testing.T, facts ...transit.StopFact) *history.Memory {
	m := history.NewMemory()
	_, err := m.BulkUpsert(context.Background(), facts)
	require.NoError(t, err)
	return m
}

func TestResolverPicksNearest(t *testing.T) {
	store := seed(t, histFact("a", 600, 1, 1), histFact("b", 615, 1, 2), histFact("c", 640, 1, 3))
	r := NewResolver(store, timenorm.NewEnglandCalendar(), 0)

	res, err := r.Resolve(context.Background(), baseRequest)
	require.NoError(t, err)
	assert.Equal(t, 615, res.Context.Fact.ScheduledMins)
	assert.Equal(t, 5, res.Context.Distance)
	assert.Equal(t, 620, res.TargetMins)
	assert.Equal(t, 2, res.DayOfWeek)
	assert.False(t, res.IsPeak)
	assert.Nil(t, res.DateMatch, "no fact shares the Wednesday")
}

func TestResolverTieBreakFollowsStoreOrder(t *testing.T) {
	store := seed(t, histFact("z", 630, 2, 1), histFact("m", 610, 2, 2))
	res, err := NewResolver(store, nil, 30).Resolve(context.Background(), baseRequest)
	require.NoError(t, err)
	assert.Equal(t, "m", res.Context.Fact.ID)
	require.NotNil(t, res.DateMatch)
	assert.Equal(t, "m", res.DateMatch.Fact.ID)
}

func TestResolverContextMiss(t *testing.T) {
	peak := histFact("p", 615, 2, 1)
	peak.IsPeak = true
	store := seed(t, histFact("far", 700, 2, 1), peak)

	_, err := NewResolver(store, timenorm.NewEnglandCalendar(), 30).Resolve(context.Background(), baseRequest)
	var nf *transit.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, transit.KindHistory, nf.Kind)
}

func TestResolverRejectsBadInput(t *testing.T) {
	r := NewResolver(history.NewMemory(), nil, 30)
	req := baseRequest
	req.Time = "25:00"
	_, err := r.Resolve(context.Background(), req)
	var fe *timenorm.FormatError
	assert.True(t, errors.As(err, &fe))

	req = baseRequest
	req.Date = "03/01/2024"
	_, err = r.Resolve(context.Background(), req)
	assert.True(t, errors.As(err, &fe))
}

type mapEncoder map[string]map[string]float64

func (m mapEncoder) Encode(feature, label string) float64 {
	if v, ok := m[feature][transit.CanonicalName(label)]; ok {
		return v
	}
	return -1
}

var testInputs = Inputs{
	ScheduledMins: 360,
	DayOfWeek:     2,
	StopIndex:     4,
	IsHoliday:     false,
	IsPeak:        true,
	ServiceID:     9,
	StopName:      "Market Street",
	Origin:        "Bolton",
	Destination:   "Bury",
}

func TestAssembleCategorical(t *testing.T) {
	enc := mapEncoder{
		"service_id":  {"9": 3},
		"stop_name":   {"market street": 12},
		"destination": {"bury": 1},
	}
	a, err := NewAssembler(SchemeCategorical, enc)
	require.NoError(t, err)

	v := a.Assemble(testInputs)
	assert.Equal(t, SchemeCategorical.Features(), v.Names)
	assert.Equal(t, []float64{360, 2, 4, 0, 1, 3, 12, -1, 1}, v.Values)
}

func TestAssembleTargetEncoded(t *testing.T) {
	enc := mapEncoder{"origin": {"bolton": 2.5}}
	a, err := NewAssembler(SchemeTargetEncoded, enc)
	require.NoError(t, err)

	v := a.Assemble(testInputs)
	require.Len(t, v.Values, 10)
	byName := v.Map()
	assert.InDelta(t, 1.0, byName["time_sin"], 1e-9, "06:00 is a quarter day")
	assert.InDelta(t, 0.0, byName["time_cos"], 1e-9)
	te, ok := byName["origin_te"]
	require.True(t, ok)
	assert.Equal(t, 2.5, te)
	_, ok = byName["scheduled_mins"]
	assert.False(t, ok)
}

func TestParseScheme(t *testing.T) {
	s, err := ParseScheme("Target")
	require.NoError(t, err)
	assert.Equal(t, SchemeTargetEncoded, s)
	_, err = ParseScheme("onehot")
	assert.Error(t, err)
}

type fakeModel struct {
	out  float64
	seen FeatureVector
}

func (m *fakeModel) Predict(v FeatureVector) (float64, error) {
	m.seen = v
	return m.out, nil
}

func (m *fakeModel) Version() string { return "test-1" }

type storeStops struct{ history.FactStore }

func (s storeStops) StopIndex(ctx context.Context, svc int64, key string) (int, error) {
	return history.StopIndex(ctx, s.FactStore, svc, key)
}

func newTestService(t *testing.T, store *history.Memory, model Model) *Service {
	a, err := NewAssembler(SchemeCategorical, mapEncoder{})
	require.NoError(t, err)
	return NewService(NewResolver(store, nil, 30), a, model, store, storeStops{store})
}

func TestServicePredict(t *testing.T) {
	store := seed(t, histFact("a", 615, 2, 4))
	_, err := store.UpsertServices(context.Background(), []transit.Service{{ID: 9, Number: "36", Description: "Bolton - Bury"}})
	require.NoError(t, err)
	model := &fakeModel{out: 3.9}

	p, err := newTestService(t, store, model).Predict(context.Background(), baseRequest)
	require.NoError(t, err)
	assert.Equal(t, 3, p.PredictedDelayMins)
	assert.Equal(t, "10:15", p.ScheduledDep)
	assert.Equal(t, "test-1", p.ModelVersion)
	require.NotNil(t, p.DateMatch)
	assert.Equal(t, "ja", p.DateMatch.JourneyID)
	assert.Equal(t, 4.0, model.seen.Map()["stop_index"])
}

func TestServicePredictMissingReferenceData(t *testing.T) {
	store := seed(t, histFact("a", 615, 2, 4))
	svc := newTestService(t, store, &fakeModel{})

	_, err := svc.Predict(context.Background(), baseRequest)
	var nf *transit.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, transit.KindService, nf.Kind)

	_, err = store.UpsertServices(context.Background(), []transit.Service{{ID: 9, Description: "Circular"}})
	require.NoError(t, err)
	_, err = svc.Predict(context.Background(), baseRequest)
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, transit.KindDescription, nf.Kind)
}

func TestServiceRejectsNonFiniteOutput(t *testing.T) {
	store := seed(t, histFact("a", 615, 2, 4))
	_, err := store.UpsertServices(context.Background(), []transit.Service{{ID: 9, Description: "Bolton - Bury"}})
	require.NoError(t, err)
	_, err = newTestService(t, store, &fakeModel{out: math.NaN()}).Predict(context.Background(), baseRequest)
	assert.Error(t, err)
}
