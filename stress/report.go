package stress

import (
	"fmt"
	"math"
	"strings"
)

// BuildReport renders a composite result as a plain-text summary. The series
// is optional and only adds the power zone distribution.
func BuildReport(c CompositeResult, s Series) string {
	var b strings.Builder

	if c.PrimaryMethod == "" {
		b.WriteString("Training stress unavailable: no method had enough data.\n")
		writeSkipped(&b, c)
		return strings.TrimSpace(b.String())
	}

	fmt.Fprintf(
		&b,
		"TSS %.1f (%s) | IF %.3f | Duration %s\n",
		c.TSS,
		c.PrimaryMethod,
		c.IntensityFactor,
		formatDuration(c.DurationHours*3600),
	)
	fmt.Fprintf(&b, "Load: %s\n", sessionLoad(c.TSS))

	if r := c.Power; r != nil {
		fmt.Fprintf(
			&b,
			"Power %.0f avg / %.0f NP / %.0f max W | FTP %.0f W (%s) | TSS %.1f\n",
			r.Average,
			r.NormalizedMetric,
			r.Max,
			r.Threshold.Value,
			r.Threshold.Source,
			r.TSS,
		)
	}
	if r := c.HeartRate; r != nil {
		fmt.Fprintf(
			&b,
			"HR %.0f avg / %.0f max bpm | LTHR %.0f (%s) | Max HR %.0f (%s) | TSS %.1f\n",
			r.Average,
			r.Max,
			r.Threshold.Value,
			r.Threshold.Source,
			r.MaxHR.Value,
			r.MaxHR.Source,
			r.TSS,
		)
	}
	if r := c.Pace; r != nil {
		fmt.Fprintf(
			&b,
			"Pace %s avg / %s NGP / %s best min/km | Threshold %s (%s) | TSS %.1f\n",
			r.AveragePaceFormatted,
			r.NormalizedPaceFormatted,
			r.BestPaceFormatted,
			r.ThresholdPaceFormatted,
			r.Threshold.Source,
			r.TSS,
		)
	}
	writeSkipped(&b, c)

	if c.Power != nil && len(s.Power) > 0 {
		if best := BestRollingPower(s.Power, 20*60); best > 0 && len(s.Power) >= 20*60 {
			fmt.Fprintf(&b, "Best 20 min power: %.0f W\n", best)
		}
		zones := PowerZones(s.Power, c.Power.Threshold.Value)
		if len(zones) > 0 {
			b.WriteString("\nPower Zone Distribution\n")
			for _, z := range zones {
				if z.Seconds <= 0 {
					continue
				}
				fmt.Fprintf(&b, "- %s: %s (%.1f%%)\n", z.Zone, formatDuration(z.Seconds), z.Percentage)
			}
		}
	}

	b.WriteString("\nNotes\n- ")
	b.WriteString(loadAssessment(c))
	b.WriteByte('\n')
	return strings.TrimSpace(b.String())
}

// BuildPlanReport renders a plan estimate.
func BuildPlanReport(p PlanEstimate) string {
	var b strings.Builder
	name := p.Name
	if name == "" {
		name = "Workout plan"
	}
	fmt.Fprintf(&b, "Plan: %s", name)
	if p.Sport != "" {
		fmt.Fprintf(&b, " (%s)", p.Sport)
	}
	b.WriteByte('\n')
	fmt.Fprintf(
		&b,
		"Estimated TSS %.1f (%s) | Duration %s | Load: %s\n",
		p.TSS,
		p.PrimaryMethod,
		formatDuration(float64(p.TotalDurationSeconds)),
		sessionLoad(p.TSS),
	)
	if len(p.Groups) > 1 {
		for _, g := range p.Groups {
			fmt.Fprintf(&b, "- %s: TSS %.1f over %s (IF %.3f)\n", g.Method, g.TSS, formatDuration(float64(g.DurationSeconds)), g.IntensityFactor)
		}
	}

	b.WriteString("\nSegments\n")
	for i, seg := range p.Segments {
		fmt.Fprintf(
			&b,
			"%d. %s @ %s | IF %.2f | TSS %.1f\n",
			i+1,
			formatDuration(float64(seg.DurationSeconds)),
			seg.TargetFormatted,
			seg.IntensityFactor,
			seg.TSS,
		)
	}
	return strings.TrimSpace(b.String())
}

func writeSkipped(b *strings.Builder, c CompositeResult) {
	for _, m := range Methods() {
		if reason, ok := c.Skipped[m]; ok {
			fmt.Fprintf(b, "%s skipped: %s\n", m, reason)
		}
	}
}

// sessionLoad buckets a single session score.
func sessionLoad(tss float64) string {
	switch {
	case tss < 150:
		return "low (recovered by next day)"
	case tss < 300:
		return "medium (some residual fatigue the next day)"
	case tss < 450:
		return "high (residual fatigue for two days)"
	default:
		return "very high (several days of residual fatigue)"
	}
}

func loadAssessment(c CompositeResult) string {
	switch {
	case c.IntensityFactor >= 1.05:
		return "Intensity above threshold; follow with an easier endurance day."
	case c.IntensityFactor >= 0.9:
		return "High-intensity load for this duration; prioritize sleep and fueling to absorb the session."
	case c.PrimaryMethod == MethodHeartRate && c.Power == nil && c.Pace == nil:
		return "Score is heart-rate based; a power meter or pace data gives a more precise load."
	default:
		return "Aerobic load appears manageable and supports base development."
	}
}

func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return "0s"
	}
	s := int(math.Round(seconds))
	h := s / 3600
	m := (s % 3600) / 60
	sec := s % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, sec)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, sec)
	}
	return fmt.Sprintf("%ds", sec)
}
