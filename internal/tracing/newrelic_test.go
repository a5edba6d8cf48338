package tracing

import (
	"testing"

	"example.com/backstage/services/billing/config"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestNewTracerWithoutLicenseIsDisabled(t *testing.T) {
	tracer, err := NewTracer(config.TracingConfig{})
	require.NoError(t, err)
	require.NotNil(t, tracer)
	require.Nil(t, tracer.Application())
	require.Nil(t, tracer.StartTransaction("anything"))
}

// The commands fall back to a zero-value tracer when initialization
// fails; every interface method must tolerate that state.
func TestZeroValueTracerIsSafe(t *testing.T) {
	tracer := &NewRelicTracer{}

	require.Nil(t, tracer.Application())

	txn := tracer.StartTransaction("op")
	require.Nil(t, txn)
	require.NotNil(t, tracer.StartSpan("span", txn))
	require.NotNil(t, tracer.StartExternalSegment(txn, nil))

	tracer.RecordError(txn, errors.New("boom"))
	tracer.AddAttribute(txn, "key", "value")
	tracer.EndTransaction(txn)
	tracer.Close()
}
