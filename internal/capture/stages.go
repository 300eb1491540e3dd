package capture

import (
	"github.com/linht-le/realtime-voice-agent/domain/entities"
	"github.com/linht-le/realtime-voice-agent/internal/pcm"
)

const (
	nearFieldGate = 0.015
	farFieldGate  = 0.006

	agcTarget    = 0.1
	agcMinGain   = 0.5
	agcMaxGain   = 4.0
	agcSmoothing = 0.9
)

// processor applies noise gating and automatic gain to a block in place.
// It is only touched from the device thread.
type processor struct {
	gate    float64
	agc     bool
	agcGain float64
}

func newProcessor(mode entities.NoiseReduction, agc bool) *processor {
	p := &processor{agc: agc, agcGain: 1}
	switch mode {
	case entities.NoiseReductionNearField:
		p.gate = nearFieldGate
	case entities.NoiseReductionFarField:
		p.gate = farFieldGate
	}
	return p
}

func (p *processor) process(block []float32) {
	level := pcm.RMSLevel(block)

	if p.gate > 0 && level < p.gate {
		for i := range block {
			block[i] = 0
		}
		return
	}

	if !p.agc || level == 0 {
		return
	}

	want := agcTarget / level
	if want < agcMinGain {
		want = agcMinGain
	} else if want > agcMaxGain {
		want = agcMaxGain
	}
	p.agcGain = p.agcGain*agcSmoothing + want*(1-agcSmoothing)
	pcm.Gain(block, p.agcGain)
}

// gainStage scales by the configured input sensitivity
type gainStage struct {
	value float64
}

func newGainStage(sensitivity float64) *gainStage {
	if sensitivity < 0 {
		sensitivity = 0
	} else if sensitivity > 1 {
		sensitivity = 1
	}
	return &gainStage{value: sensitivity}
}

func (g *gainStage) apply(block []float32) {
	pcm.Gain(block, g.value)
}
