package publisher

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"busrate/internal/transit"
)

// Conn is the part of a NATS connection the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	nc          Conn
	closer      *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("busrate"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := New(nc, prefix, logSubjects, m)
	p.closer = nc
	return p, nil
}

// New wraps an existing connection.
func New(nc Conn, prefix string, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.closer != nil {
		_ = p.closer.Drain()
		p.closer.Close()
	}
}

type DepartureMessage struct {
	ID                     int64     `json:"id"`
	LineRef                string    `json:"lineRef"`
	StopRef                string    `json:"stopRef"`
	Direction              *int      `json:"direction,omitempty"`
	VehicleRef             string    `json:"vehicleRef"`
	BlockRef               string    `json:"blockRef,omitempty"`
	DatedVehicleJourneyRef string    `json:"datedVehicleJourneyRef,omitempty"`
	DepartureTime          time.Time `json:"departureTime"`
	Interpolated           bool      `json:"interpolated"`
}

// Subject is <prefix>.<line>.<stop>.
func (p *NATSPublisher) Subject(lineRef, stopRef string) string {
	return subjectToken(p.prefix) + "." + subjectToken(lineRef) + "." + subjectToken(stopRef)
}

func (p *NATSPublisher) PublishDeparture(d transit.HistoricalDeparture) error {
	subject := p.Subject(d.LineRef, d.StopRef)
	b, err := json.Marshal(DepartureMessage{
		ID:                     d.ID,
		LineRef:                d.LineRef,
		StopRef:                d.StopRef,
		Direction:              d.Direction,
		VehicleRef:             d.VehicleRef,
		BlockRef:               d.BlockRef,
		DatedVehicleJourneyRef: d.DatedVehicleJourneyRef,
		DepartureTime:          d.DepartureTime.UTC(),
		Interpolated:           d.Interpolated,
	})
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Debug().Str("subject", subject).Msg("nats publish")
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
