package stats

import (
	"encoding/json"
	"fmt"
	"time"

	influx "github.com/influxdata/influxdb/client/v2"
	nats "github.com/nats-io/nats.go"
	"github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"

	"github.com/rangelab-io/rangelab-core/config"
	"github.com/rangelab-io/rangelab-core/db"
	models "github.com/rangelab-io/rangelab-core/db/models"
	"github.com/rangelab-io/rangelab-core/services"
)

const metricsDB = "rangelab_metrics"

// RangelabStats records session and flag activity into a TSDB, and periodically
// exports per-lab usage data.
type RangelabStats struct {
	NC     *nats.Conn
	Config config.RangelabConfig
	Db     db.DataManager
}

// Start subscribes to session and flag events and begins the periodic export
// loop. Meant to be run as a goroutine; blocks forever.
func (s *RangelabStats) Start() error {

	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan("stats_root")
	defer span.Finish()

	go s.startTSDBExport(span.Context())

	s.NC.Subscribe(services.SessionStarted, func(msg *nats.Msg) {
		sc, rem := s.extractSpan(msg, "stats_session_started")

		var event services.SessionEvent
		if err := json.Unmarshal(rem, &event); err != nil {
			log.Errorf("Failed to unmarshal session event: %v", err)
			return
		}
		s.recordProvisioningTime(sc, event)
	})

	s.NC.Subscribe(services.SessionStopped, func(msg *nats.Msg) {
		sc, rem := s.extractSpan(msg, "stats_session_stopped")

		var event services.SessionEvent
		if err := json.Unmarshal(rem, &event); err != nil {
			log.Errorf("Failed to unmarshal session event: %v", err)
			return
		}
		s.recordSessionEnd(sc, event)
	})

	s.NC.Subscribe(services.FlagSubmitted, func(msg *nats.Msg) {
		sc, rem := s.extractSpan(msg, "stats_flag_submitted")

		var event services.FlagEvent
		if err := json.Unmarshal(rem, &event); err != nil {
			log.Errorf("Failed to unmarshal flag event: %v", err)
			return
		}
		s.recordFlagSubmission(sc, event)
	})

	// Wait forever
	ch := make(chan struct{})
	<-ch

	return nil
}

// extractSpan pulls the publisher's span context off the front of the message
// payload and returns it along with the remaining event bytes.
func (s *RangelabStats) extractSpan(msg *nats.Msg, name string) (opentracing.SpanContext, []byte) {
	t := services.NewTraceMsg(msg)
	tracer := opentracing.GlobalTracer()
	sc, err := tracer.Extract(opentracing.Binary, t)
	if err != nil {
		log.Printf("Extract error: %v", err)
	}

	span := tracer.StartSpan(name, opentracing.ChildOf(sc))
	defer span.Finish()

	return span.Context(), t.Bytes()
}

func (s *RangelabStats) recordProvisioningTime(sc opentracing.SpanContext, event services.SessionEvent) error {

	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan("stats_record_provisioning", opentracing.ChildOf(sc))
	defer span.Finish()

	lab, err := s.Db.GetLab(span.Context(), event.LabSlug)
	if err != nil {
		log.Errorf("Problem getting lab details for recording provisioning time: %v", err)
		return err
	}

	tags := map[string]string{
		"labSlug":      event.LabSlug,
		"labName":      lab.Name,
		"rangelabTier": s.Config.Tier,
		"rangelabId":   s.Config.InstanceID,
	}
	fields := map[string]interface{}{
		"labSlug":          event.LabSlug,
		"labName":          lab.Name,
		"labSlugName":      fmt.Sprintf("%s - %s", event.LabSlug, lab.Name),
		"provisioningTime": event.ProvisioningTime,
	}

	return s.writePoint("provisioningTime", tags, fields)
}

func (s *RangelabStats) recordSessionEnd(sc opentracing.SpanContext, event services.SessionEvent) error {

	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan("stats_record_session_end", opentracing.ChildOf(sc))
	defer span.Finish()

	tags := map[string]string{
		"labSlug":      event.LabSlug,
		"status":       event.Status,
		"rangelabTier": s.Config.Tier,
		"rangelabId":   s.Config.InstanceID,
	}
	fields := map[string]interface{}{
		"labSlug":  event.LabSlug,
		"status":   event.Status,
		"reason":   event.Reason,
		"duration": int(event.Ended.Sub(event.Started).Seconds()),
	}

	return s.writePoint("sessionEnd", tags, fields)
}

func (s *RangelabStats) recordFlagSubmission(sc opentracing.SpanContext, event services.FlagEvent) error {

	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan("stats_record_flag", opentracing.ChildOf(sc))
	defer span.Finish()

	tags := map[string]string{
		"labSlug":      event.LabSlug,
		"flagName":     event.FlagName,
		"rangelabTier": s.Config.Tier,
		"rangelabId":   s.Config.InstanceID,
	}
	fields := map[string]interface{}{
		"labSlug":  event.LabSlug,
		"flagName": event.FlagName,
		"correct":  event.Correct,
		"points":   event.Points,
	}

	return s.writePoint("flagSubmission", tags, fields)
}

// writePoint connects to the configured TSDB and writes a single point. The
// connection is not long-lived; event volume is low enough that this is fine.
func (s *RangelabStats) writePoint(measurement string, tags map[string]string, fields map[string]interface{}) error {

	c, err := s.newInfluxClient()
	if err != nil {
		return err
	}
	defer c.Close()

	bp, err := influx.NewBatchPoints(influx.BatchPointsConfig{
		Database:  metricsDB,
		Precision: "s",
	})
	if err != nil {
		log.Error("Unable to create metrics batch point: ", err)
		return err
	}

	pt, err := influx.NewPoint(measurement, tags, fields, time.Now())
	if err != nil {
		log.Error("Error creating InfluxDB Point: ", err)
		return err
	}
	bp.AddPoint(pt)

	if err := c.Write(bp); err != nil {
		log.Warnf("Unable to push %s point to Influx: %v", measurement, err)
		return err
	}
	return nil
}

func (s *RangelabStats) newInfluxClient() (influx.Client, error) {
	c, err := influx.NewHTTPClient(influx.HTTPConfig{
		Addr:     s.Config.Stats.URL,
		Username: s.Config.Stats.Username,
		Password: s.Config.Stats.Password,

		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Error("Error creating InfluxDB Client: ", err.Error())
		return nil, err
	}

	q := influx.NewQuery(fmt.Sprintf("CREATE DATABASE %s", metricsDB), "", "")
	if response, err := c.Query(q); err == nil && response.Error() == nil {
		//
	}

	return c, nil
}

func (s *RangelabStats) startTSDBExport(sc opentracing.SpanContext) error {

	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan("stats_periodic_export", opentracing.ChildOf(sc))
	defer span.Finish()

	c, err := s.newInfluxClient()
	if err != nil {
		return err
	}
	defer c.Close()

	for {
		time.Sleep(1 * time.Minute)

		log.Debug("Recording periodic influxdb metrics")

		bp, err := influx.NewBatchPoints(influx.BatchPointsConfig{
			Database:  metricsDB,
			Precision: "s",
		})
		if err != nil {
			log.Error("Unable to create metrics batch point: ", err)
			continue
		}

		labs, err := s.Db.ListLabs(span.Context())
		if err != nil {
			log.Error("Unable to get labs from DB for influxdb")
			continue
		}

		for slug := range labs {
			lab := labs[slug]

			count, duration := s.getCountAndDuration(span.Context(), lab.Slug)

			tags := map[string]string{
				"labSlug":      lab.Slug,
				"labName":      lab.Name,
				"rangelabTier": s.Config.Tier,
				"rangelabId":   s.Config.InstanceID,
			}
			fields := map[string]interface{}{
				"labSlug":   lab.Slug,
				"labName":   lab.Name,
				"activeNow": count,
			}
			if duration != 0 {
				fields["avgDuration"] = duration
			}

			// This is just for debugging, so only show active labs
			if count > 0 {
				log.Debugf("Creating influxdb point: SLUG: %s | ACTIVE: %d", lab.Slug, count)
			}

			pt, err := influx.NewPoint("sessionStatus", tags, fields, time.Now())
			if err != nil {
				log.Error("Error creating InfluxDB Point: ", err)
				continue
			}

			bp.AddPoint(pt)
		}

		if err := c.Write(bp); err != nil {
			log.Warn("Unable to push periodic metrics to Influx: ", err)
			continue
		}
	}
}

func (s *RangelabStats) getCountAndDuration(sc opentracing.SpanContext, labSlug string) (int64, int64) {
	// Don't bother opening a new span for this function, just pass to the underlying DB call

	count := 0

	sessions, err := s.Db.ListSessions(sc)
	if err != nil {
		log.Errorf("Problem retrieving sessions - %v", err)
		return 0, 0
	}

	durations := []int64{}
	for id := range sessions {
		session := sessions[id]
		if session.LabSlug != labSlug || session.Status != models.Status_RUNNING {
			continue
		}

		count = count + 1
		durations = append(durations, int64(time.Since(session.StartedAt).Seconds()))
	}

	total := int64(0)
	for i := range durations {
		total = total + durations[i]
	}

	if len(durations) == 0 {
		return int64(count), 0
	}

	return int64(count), total / int64(len(durations))
}
