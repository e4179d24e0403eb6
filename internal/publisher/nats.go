package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	batchSubjectPrefix   = "ingest.batch"
	serviceSubjectPrefix = "ingest.service"
)

type NATSPublisher struct {
	nc          *nats.Conn
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("bus-delay-ingest"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// BatchEvent announces one committed upsert batch.
type BatchEvent struct {
	RunID     string    `json:"runId"`
	ServiceID int64     `json:"serviceId"`
	Batch     int       `json:"batch"`
	Size      int       `json:"size"`
	Inserted  int       `json:"inserted"`
	Updated   int       `json:"updated"`
	Failed    bool      `json:"failed,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ServiceEvent summarises the ingestion of one service.
type ServiceEvent struct {
	RunID            string    `json:"runId"`
	ServiceID        int64     `json:"serviceId"`
	Pages            int       `json:"pages"`
	JourneysIngested int       `json:"journeysIngested"`
	JourneysSkipped  int       `json:"journeysSkipped"`
	Facts            int       `json:"facts"`
	Inserted         int       `json:"inserted"`
	Updated          int       `json:"updated"`
	Dropped          int       `json:"dropped"`
	Error            string    `json:"error,omitempty"`
	DurationMs       int64     `json:"durationMs"`
	Timestamp        time.Time `json:"timestamp"`
}

func (p *NATSPublisher) PublishBatch(ev BatchEvent) error {
	return p.publish(BatchSubject(ev.ServiceID), ev)
}

func (p *NATSPublisher) PublishService(ev ServiceEvent) error {
	return p.publish(ServiceSubject(ev.ServiceID), ev)
}

func BatchSubject(serviceID int64) string {
	return fmt.Sprintf("%s.%s", batchSubjectPrefix, subjectToken(fmt.Sprint(serviceID)))
}

func ServiceSubject(serviceID int64) string {
	return fmt.Sprintf("%s.%s", serviceSubjectPrefix, subjectToken(fmt.Sprint(serviceID)))
}

func (p *NATSPublisher) publish(subject string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
