package metrics

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/promptreel/creditflow/internal/aws"
)

// Recorder receives operational alerts: escalations, worker crashes and the
// like. Implementations must be safe for concurrent use.
type Recorder interface {
	RecordAlert(ctx context.Context, name string, metadata map[string]string)
}

const namespace = "CreditFlow"

// CloudWatch emits one count datapoint per alert, with metadata as dimensions.
type CloudWatch struct {
	client aws.CloudWatchAPI
}

func NewCloudWatch(client aws.CloudWatchAPI) *CloudWatch {
	return &CloudWatch{client: client}
}

// RecordAlert publishes the alert metric. Alerts are best-effort: a failed
// put is logged, never propagated, so alerting can't break the flow that
// raised the alert.
func (c *CloudWatch) RecordAlert(ctx context.Context, name string, metadata map[string]string) {
	dims := make([]cwtypes.Dimension, 0, len(metadata))
	for k, v := range metadata {
		if len(dims) == 10 { // CloudWatch caps dimensions per metric
			break
		}
		dims = append(dims, cwtypes.Dimension{Name: awsString(k), Value: awsString(v)})
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: awsString(namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: awsString(name),
				Value:      awsFloat(1),
				Unit:       cwtypes.StandardUnitCount,
				Timestamp:  awsTime(time.Now()),
				Dimensions: dims,
			},
		},
	}

	if _, err := c.client.PutMetricData(ctx, input); err != nil {
		log.Printf("[metrics] put metric %s failed: %v (metadata=%v)", name, err, metadata)
	}
}

// Noop discards alerts; used in tests and when CloudWatch is not wired.
type Noop struct{}

func (Noop) RecordAlert(ctx context.Context, name string, metadata map[string]string) {}

var _ Recorder = (*CloudWatch)(nil)
var _ Recorder = Noop{}

func awsString(s string) *string { return &s }

func awsFloat(f float64) *float64 { return &f }

func awsTime(t time.Time) *time.Time { return &t }
