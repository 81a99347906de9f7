package stepper

// Status is a telemetry snapshot of one axis. Each group of fields is read
// under the lock that guards it, so the struct as a whole is not atomic.
type Status struct {
	Name                string          `json:"name"`
	Speed               float64         `json:"speed"`
	CommandedSpeed      float64         `json:"commanded_speed"`
	Position            int64           `json:"position"`
	Encoder             EncoderSnapshot `json:"encoder"`
	EncoderEnabled      bool            `json:"encoder_enabled"`
	MaxSpeed            float64         `json:"max_speed"`
	MaxAccel            float64         `json:"max_accel"`
	GuideRate           int64           `json:"guide_rate"`
	Guide               int             `json:"guide"`
	GuidingDisabled     bool            `json:"guiding_disabled"`
	Enabled             bool            `json:"enabled"`
	Inverted            bool            `json:"inverted"`
	RunCurrent          float64         `json:"run_current"`
	MedCurrent          float64         `json:"med_current"`
	MedCurrentThreshold float64         `json:"med_current_threshold"`
	HoldCurrent         float64         `json:"hold_current"`
	CurrentApplied      float64         `json:"current_applied"`
	Tier                string          `json:"tier"`
	Backlash            uint32          `json:"backlash"`
	BacklashRate        float64         `json:"backlash_speed"`
	BacklashActive      bool            `json:"backlash_active"`
	Resolution          int64           `json:"resolution"`
	SingleStepThreshold float64         `json:"single_step_threshold"`
	Fault               string          `json:"fault,omitempty"`
}

// Status collects the axis telemetry.
func (s *Stepper) Status() Status {
	st := Status{
		Name:           s.name,
		Position:       s.sched.Position(),
		Encoder:        s.sched.Encoder(),
		EncoderEnabled: s.sched.EncoderEnabled(),
		Inverted:       s.sched.Inverted(),
		BacklashActive: s.sched.BacklashActive(),
		Resolution:     s.sched.Resolution(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st.Speed = s.velocity
	st.CommandedSpeed = s.commanded
	st.MaxSpeed = s.maxSpeed
	st.MaxAccel = s.maxAccel
	st.GuideRate = s.guideRate
	st.Guide = s.guideDir
	st.GuidingDisabled = !s.guidingEnabled
	st.Enabled = s.enabled
	st.RunCurrent = s.currents.Run
	st.MedCurrent = s.currents.Medium
	st.MedCurrentThreshold = s.currents.Threshold
	st.HoldCurrent = s.currents.Hold
	st.CurrentApplied = s.currentApplied
	if s.tierApplied {
		st.Tier = s.tier.String()
	}
	st.Backlash = s.backlash
	st.BacklashRate = s.backlashRate
	st.SingleStepThreshold = s.singleStepThreshold
	if s.fault != nil {
		st.Fault = s.fault.Error()
	}
	return st
}
