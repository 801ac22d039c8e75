package reports

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/solatis/attributor/internal/triggerspec"
	"github.com/solatis/attributor/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogram_RoundTrip(t *testing.T) {
	maxBucket, _ := new(big.Int).SetString("ffffffffffffffffffffffffffffffff", 16)
	in := []types.AggregateHistogramContribution{
		{Bucket: big.NewInt(0x559), Value: 32768},
		{Bucket: maxBucket, Value: 1},
		{Bucket: big.NewInt(0), Value: 0},
	}
	encoded, err := EncodeHistogram(in)
	require.NoError(t, err)

	out, err := DecodeHistogram(encoded)
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, 0, in[i].Bucket.Cmp(out[i].Bucket), "bucket %d", i)
		assert.Equal(t, in[i].Value, out[i].Value, "value %d", i)
	}
}

func TestEncodeHistogram_FixedWidthFields(t *testing.T) {
	encoded, err := EncodeHistogram([]types.AggregateHistogramContribution{{Bucket: big.NewInt(1), Value: 2}})
	require.NoError(t, err)

	var raw map[string][]map[string][]byte
	require.NoError(t, cbor.Unmarshal(encoded, &raw))
	require.Len(t, raw["data"], 1)
	assert.Len(t, raw["data"][0]["bucket"], 16)
	assert.Equal(t, []byte{0, 0, 0, 2}, raw["data"][0]["value"])
}

func TestEncodeHistogram_RejectsWideBucket(t *testing.T) {
	wide := new(big.Int).Lsh(big.NewInt(1), 128)
	_, err := EncodeHistogram([]types.AggregateHistogramContribution{{Bucket: wide, Value: 1}})
	assert.ErrorIs(t, err, types.ErrInvalidAggregateKey)
}

func TestDecodeHistogram_ShortFields(t *testing.T) {
	encoded, err := cbor.Marshal(map[string]any{
		"data": []map[string][]byte{{"bucket": {0x05, 0x59}, "value": {0x01}}},
	})
	require.NoError(t, err)

	out, err := DecodeHistogram(encoded)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(0x559), out[0].Bucket.Int64())
	assert.Equal(t, uint32(1), out[0].Value)
}

func TestDecodeHistogram_Invalid(t *testing.T) {
	_, err := DecodeHistogram([]byte{0xff, 0x00})
	assert.Error(t, err)

	tooWide, err := cbor.Marshal(map[string]any{
		"data": []map[string][]byte{{"bucket": {1}, "value": {1, 2, 3, 4, 5}}},
	})
	require.NoError(t, err)
	_, err = DecodeHistogram(tooWide)
	assert.Error(t, err)
}

func TestEventReportJSON(t *testing.T) {
	report := &types.EventReport{
		ID:                    "0190e3c6-0000-7000-8000-000000000001",
		SourceEventID:         types.UnsignedLong(18446744073709551615),
		SourceType:            types.SourceTypeNavigation,
		Destination:           "https://d.example",
		TriggerData:           3,
		ReportTime:            time.Unix(1700000000, 0),
		RandomizedTriggerRate: 0.0024263,
	}
	b, err := EventReportJSON(report)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "https://d.example", got["attribution_destination"])
	assert.Equal(t, "18446744073709551615", got["source_event_id"])
	assert.Equal(t, "3", got["trigger_data"])
	assert.Equal(t, "navigation", got["source_type"])
	assert.Equal(t, "1700000000", got["scheduled_report_time"])
	assert.InDelta(t, 0.0024263, got["randomized_trigger_rate"], 1e-12)
	assert.NotContains(t, got, "trigger_summary_bucket")
}

func TestEventReportBody_SummaryBucket(t *testing.T) {
	report := &types.EventReport{TriggerSummaryBucket: &types.SummaryBucket{Lower: 2, Upper: 5}}
	assert.Equal(t, []int64{2, 4}, NewEventReportBody(report).TriggerSummaryBucket)

	report.TriggerSummaryBucket = &types.SummaryBucket{Lower: 5, Upper: triggerspec.MaxBucketThreshold}
	assert.Equal(t, []int64{5, triggerspec.MaxBucketThreshold}, NewEventReportBody(report).TriggerSummaryBucket)
}

func TestAggregateReportJSON(t *testing.T) {
	registered := time.Unix(1699990000, 0)
	report := &types.AggregateReport{
		ID:                     "0190e3c6-0000-7000-8000-000000000002",
		SourceSite:             "https://publisher.example",
		Destination:            "https://d.example",
		ReportingOrigin:        "https://reporter.example",
		SourceRegistrationTime: registered,
		ScheduledReportTime:    time.Unix(1700003600, 0),
		Contributions:          []types.AggregateHistogramContribution{{Bucket: big.NewInt(0x559), Value: 100}},
	}
	b, err := AggregateReportJSON(report)
	require.NoError(t, err)

	var body AggregateReportBody
	require.NoError(t, json.Unmarshal(b, &body))
	assert.Equal(t, "https://publisher.example", body.SourceSite)
	assert.Equal(t, "1699990000", body.SourceRegistrationTime)
	assert.Equal(t, "1700003600", body.SharedInfo.ScheduledReportTime)
	assert.Equal(t, AggregateAPIVersion, body.SharedInfo.Version)
	assert.Equal(t, report.ID, body.SharedInfo.ReportID)
	assert.Equal(t, "https://reporter.example", body.SharedInfo.ReportingOrigin)
	assert.Equal(t,
		PrivacyBudgetKey(AggregateAPIVersion, report.ReportingOrigin, report.Destination, report.SourceSite, registered),
		body.SharedInfo.PrivacyBudgetKey)

	require.Len(t, body.AggregationServicePayloads, 1)
	raw, err := base64.StdEncoding.DecodeString(body.AggregationServicePayloads[0].DebugCleartextPayload)
	require.NoError(t, err)
	contributions, err := DecodeHistogram(raw)
	require.NoError(t, err)
	require.Len(t, contributions, 1)
	assert.Equal(t, int64(0x559), contributions[0].Bucket.Int64())
	assert.Equal(t, uint32(100), contributions[0].Value)
}

func TestPrivacyBudgetKey_DistinctPerSource(t *testing.T) {
	at := time.Unix(1, 0)
	a := PrivacyBudgetKey("0.1", "https://r.example", "https://d.example", "https://p.example", at)
	b := PrivacyBudgetKey("0.1", "https://r.example", "https://d.example", "https://q.example", at)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, PrivacyBudgetKey("0.1", "https://r.example", "https://d.example", "https://p.example", at))
}
