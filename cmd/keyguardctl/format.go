package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"keyguard/internal/alerts"
	"keyguard/internal/detector"
	"keyguard/internal/ipc"
	"keyguard/internal/lifecycle"
	"keyguard/internal/model"
	"keyguard/internal/service"
	"keyguard/internal/store"
)

func section(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s\n", title)
}

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func agoPtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return ago(*t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func percent(f float64) string {
	return humanize.FtoaWithDigits(f, 1) + "%"
}

func printStatus(w io.Writer, s service.Status) {
	fmt.Fprintf(w, "keyguardd %s, up %s\n", s.Version, s.Uptime)

	section(w, "ENROLLMENT")
	tw := table(w)
	fmt.Fprintf(tw, "  Phase\t%s\n", s.Phase)
	if s.Enrollment.Username != "" {
		fmt.Fprintf(tw, "  User\t%s (%s)\n", s.Enrollment.Username, s.Enrollment.ModelType)
	}
	fmt.Fprintf(tw, "  Keystrokes\t%s of %s (%s)\n",
		humanize.Comma(int64(s.KeystrokeCount)), humanize.Comma(int64(s.Target)), percent(s.FreeTextProgress.Percentage))
	if s.Enrollment.Error != "" {
		fmt.Fprintf(tw, "  Error\t%s\n", s.Enrollment.Error)
	}
	if s.SwitchUser != nil {
		fmt.Fprintf(tw, "  Switch-user\t%s since %s\n", s.SwitchUser.Username, ago(s.SwitchUser.StartedAt))
	}
	tw.Flush()

	section(w, "CAPTURE")
	tw = table(w)
	if s.CollectionActive {
		fmt.Fprintf(tw, "  State\tcollecting for %s, started %s\n", s.Collection.Username, agoPtr(s.Collection.StartTime))
	} else {
		fmt.Fprintf(tw, "  State\tidle\n")
	}
	fmt.Fprintf(tw, "  Dropped\t%s\n", humanize.Comma(int64(s.Collection.Dropped)))
	fmt.Fprintf(tw, "  Filtered\t%s\n", humanize.Comma(int64(s.Collection.Filtered)))
	if s.Collection.LastError != "" {
		fmt.Fprintf(tw, "  Last error\t%s\n", s.Collection.LastError)
	}
	tw.Flush()

	section(w, "MODEL")
	tw = table(w)
	fmt.Fprintf(tw, "  Active\t%s\n", activeName(s.ActiveModel))
	fmt.Fprintf(tw, "  Monitoring\t%s\n", orDash(s.Monitoring))
	fmt.Fprintf(tw, "  Training jobs\t%d running\n", s.ActiveJobs)
	fmt.Fprintf(tw, "  Updated\t%s\n", ago(s.LastUpdated))
	tw.Flush()

	section(w, "DETECTION")
	printDetection(w, s.Detection)
}

func activeName(a model.ActiveModel) string {
	if a.Type == "" {
		return "none"
	}
	if a.Username != "" {
		return fmt.Sprintf("%s (%s)", a.Type, a.Username)
	}
	return string(a.Type)
}

func printDetection(w io.Writer, d detector.Status) {
	tw := table(w)
	state := "enabled"
	switch {
	case !d.Enabled:
		state = "disabled"
	case d.Paused:
		state = "paused"
	}
	fmt.Fprintf(tw, "  State\t%s\n", state)
	fmt.Fprintf(tw, "  Threshold\t%d events\n", d.Threshold)
	fmt.Fprintf(tw, "  Cycles\t%s\n", humanize.Comma(int64(d.Cycles)))
	fmt.Fprintf(tw, "  Alerts\t%s\n", humanize.Comma(int64(d.Alerts)))
	fmt.Fprintf(tw, "  Anomalous windows\t%d in a row\n", d.ConsecutiveZeros)
	if d.LastCycle != nil {
		fmt.Fprintf(tw, "  Last cycle\t%s (%s)\n", ago(*d.LastCycle), orDash(d.LastOutcome))
	}
	tw.Flush()
}

func printProgress(w io.Writer, p lifecycle.EnrollmentProgress) {
	fmt.Fprintf(w, "%s: %s of %s keystrokes (%s)",
		p.Phase, humanize.Comma(int64(p.Collected)), humanize.Comma(int64(p.Target)), percent(p.Percentage))
	if p.Username != "" {
		fmt.Fprintf(w, " for %s", p.Username)
	}
	fmt.Fprintln(w)
	if len(p.JobIDs) > 0 {
		fmt.Fprintf(w, "training jobs: %v\n", p.JobIDs)
	}
	if p.Error != "" {
		fmt.Fprintf(w, "error: %s\n", p.Error)
	}
}

func printSummary(w io.Writer, s service.Summary) {
	tw := table(w)
	fmt.Fprintf(tw, "Phase\t%s\n", s.Phase)
	fmt.Fprintf(tw, "Active model\t%s\n", activeName(s.ActiveModel))
	fmt.Fprintf(tw, "Users\t%d (%d in ensemble)\n", s.Users, s.EnrolledUsers)
	fmt.Fprintf(tw, "Trained models\t%d fixed-text, %d free-text\n",
		s.TrainedModels[model.FixedText], s.TrainedModels[model.FreeText])
	fmt.Fprintf(tw, "Alerts\t%s\n", humanize.Comma(int64(s.Alerts)))
	fmt.Fprintf(tw, "Jobs\t%d pending, %d running, %d completed, %d failed\n",
		s.Jobs[model.JobPending], s.Jobs[model.JobInProgress], s.Jobs[model.JobCompleted], s.Jobs[model.JobFailed])
	fmt.Fprintf(tw, "Schedules\t%d\n", s.Schedules)
	tw.Flush()
}

func printJob(w io.Writer, j model.TrainingJob) {
	tw := table(w)
	fmt.Fprintf(tw, "ID\t%s\n", j.ID)
	fmt.Fprintf(tw, "Model\t%s for %s\n", j.ModelType, j.Username)
	fmt.Fprintf(tw, "Status\t%s (%s)\n", j.Status, percent(100*j.Progress))
	fmt.Fprintf(tw, "Created\t%s\n", ago(j.CreatedAt))
	if j.StartTime != nil && j.EndTime != nil {
		fmt.Fprintf(tw, "Duration\t%s\n", j.EndTime.Sub(*j.StartTime).Round(time.Millisecond))
	}
	if j.Result != nil {
		fmt.Fprintf(tw, "Accuracy\t%s\n", percent(100*j.Result.Accuracy))
		fmt.Fprintf(tw, "Samples\t%s train, %s test\n",
			humanize.Comma(int64(j.Result.TrainingSamples)), humanize.Comma(int64(j.Result.TestSamples)))
	}
	if j.Error != "" {
		fmt.Fprintf(tw, "Error\t%s\n", j.Error)
	}
	tw.Flush()
}

func printJobs(w io.Writer, jobs []model.TrainingJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no training jobs")
		return
	}
	tw := table(w)
	fmt.Fprintln(tw, "ID\tTYPE\tUSER\tSTATUS\tCREATED\tACCURACY")
	for _, j := range jobs {
		acc := "-"
		if j.Result != nil {
			acc = percent(100 * j.Result.Accuracy)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.ModelType, j.Username, j.Status, ago(j.CreatedAt), acc)
	}
	tw.Flush()
}

func printPrediction(w io.Writer, p detector.Prediction) {
	verdict := "ANOMALY"
	if p.Owner {
		verdict = "owner"
	}
	fmt.Fprintf(w, "%s: %s (confidence %.3f over %d rows)\n", p.ModelType, verdict, p.Confidence, p.Rows)
	if p.Username != "" {
		fmt.Fprintf(w, "identified user: %s\n", p.Username)
	}
}

func printModels(w io.Writer, l service.ModelList) {
	fmt.Fprintf(w, "Active: %s\n\n", activeName(l.ActiveModel))
	if len(l.Models) == 0 {
		fmt.Fprintln(w, "no trained models")
	} else {
		tw := table(w)
		fmt.Fprintln(tw, "TYPE\tUSER\tACCURACY\tSAMPLES\tTRAINED\t")
		for _, m := range l.Models {
			mark := ""
			if m.Active {
				mark = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", m.ModelType, m.Username, percent(100*m.Accuracy),
				humanize.Comma(int64(m.Samples)), ago(m.LastTrained), mark)
		}
		tw.Flush()
	}
	fmt.Fprintf(w, "\nEnsemble members: %d", len(l.Ensemble))
	if len(l.Ensemble) > 0 {
		fmt.Fprintf(w, " %v", l.Ensemble)
	}
	fmt.Fprintln(w)
}

func printAlerts(w io.Writer, p alerts.Page) {
	if p.TotalCount == 0 {
		fmt.Fprintln(w, "no alerts")
		return
	}
	tw := table(w)
	fmt.Fprintln(tw, "ID\tWHEN\tTYPE\tUSER\tCONFIDENCE\tKEYS")
	for _, a := range p.Alerts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.3f\t%d\n", a.ID, ago(a.Timestamp), a.ModelType, orDash(a.Username), a.Confidence, a.KeystrokeCount)
	}
	tw.Flush()
	pages := 1
	if p.Limit > 0 {
		pages = (p.TotalCount + p.Limit - 1) / p.Limit
	}
	fmt.Fprintf(w, "\npage %d of %d, %s alerts\n", p.Page, pages, humanize.Comma(int64(p.TotalCount)))
}

func printAlert(w io.Writer, a alerts.Alert) {
	tw := table(w)
	fmt.Fprintf(tw, "ID\t%s\n", a.ID)
	fmt.Fprintf(tw, "When\t%s (%s)\n", a.Timestamp.Format(time.RFC3339), ago(a.Timestamp))
	fmt.Fprintf(tw, "Type\t%s\n", a.Type)
	fmt.Fprintf(tw, "User\t%s\n", orDash(a.Username))
	fmt.Fprintf(tw, "Confidence\t%.3f\n", a.Confidence)
	fmt.Fprintf(tw, "Keystrokes\t%d\n", a.KeystrokeCount)
	fmt.Fprintf(tw, "Enrollment\t%s\n", percent(a.CollectionProgress.Percentage))
	tw.Flush()

	if len(a.PredictionResult) > 0 {
		section(w, "PREDICTION")
		keys := make([]string, 0, len(a.PredictionResult))
		for k := range a.PredictionResult {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		tw = table(w)
		for _, k := range keys {
			v, _ := json.Marshal(a.PredictionResult[k])
			fmt.Fprintf(tw, "  %s\t%s\n", k, v)
		}
		tw.Flush()
	}
}

func printSchedule(w io.Writer, s model.Schedule) {
	printSchedules(w, []model.Schedule{s})
}

func printSchedules(w io.Writer, all []model.Schedule) {
	if len(all) == 0 {
		fmt.Fprintln(w, "no schedules")
		return
	}
	tw := table(w)
	fmt.Fprintln(tw, "ID\tTYPE\tUSER\tEVERY\tNEXT RUN\tLAST RUN\tACTIVE")
	for _, s := range all {
		every := string(s.IntervalKind)
		if s.IntervalKind == model.Custom {
			every = (time.Duration(s.CustomIntervalMinutes) * time.Minute).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n", s.ID, s.ModelType, s.Username, every,
			s.NextRun.Format(time.DateTime), agoPtr(s.LastRun), s.Active)
	}
	tw.Flush()
}

func printUsers(w io.Writer, users []store.User) {
	if len(users) == 0 {
		fmt.Fprintln(w, "no users")
		return
	}
	tw := table(w)
	fmt.Fprintln(tw, "USER\tCREATED\tFREE-TEXT\tACCURACY\tENSEMBLE")
	for _, u := range users {
		acc := "-"
		if u.FreeTextAccuracy != nil {
			acc = percent(100 * *u.FreeTextAccuracy)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%t\n", u.Username, ago(u.CreatedAt), u.FreeTextTrained, acc, u.EnrolledInEnsemble)
	}
	tw.Flush()
}

func printFiles(w io.Writer, l service.FileList) {
	section(w, "MODELS")
	tw := table(w)
	for _, f := range l.Models {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", f.Path, humanize.Bytes(uint64(f.Size)), ago(f.ModTime))
	}
	tw.Flush()
	section(w, "CAPTURES")
	tw = table(w)
	for _, f := range l.Captures {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", f.Path, f.Username, f.ModelType, f.Day)
	}
	tw.Flush()
}

func printEvent(w io.Writer, ev *ipc.Event) {
	ts := ev.Timestamp.Local().Format("15:04:05")
	switch ev.Type {
	case ipc.EventAlert:
		var a alerts.Alert
		if err := json.Unmarshal(ev.Data, &a); err == nil {
			fmt.Fprintf(w, "[%s] ALERT %s %s user=%s confidence=%.3f\n", ts, a.ID, a.ModelType, orDash(a.Username), a.Confidence)
			return
		}
	case ipc.EventPhaseChanged:
		var p lifecycle.EnrollmentProgress
		if err := json.Unmarshal(ev.Data, &p); err == nil {
			fmt.Fprintf(w, "[%s] phase %s (%s)\n", ts, p.Phase, percent(p.Percentage))
			return
		}
	case ipc.EventDaemonShutdown:
		fmt.Fprintf(w, "[%s] daemon shutting down\n", ts)
		return
	}
	fmt.Fprintf(w, "[%s] %s %s\n", ts, ev.Type, ev.Data)
}
