// Package bow implements a small bag-of-words reference model that satisfies
// the training contract for every objective family.
//
// The model embeds tokens, applies an elementwise affine normalization and
// predicts through linear softmax heads. Token-level objectives (mlm, lm,
// bilm, mt and the mlm half of bert/albert) predict a target token per
// position; instance-level objectives (cls and the sentence half of
// bert/albert) predict a label from the mean embedding of the sequence.
// Gradients are computed analytically during Backward from activations cached
// by the last Forward.
//
// It is deliberately tiny. It exists to exercise the training driver end to
// end, not to learn good representations.
package bow

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tokenset/pretrain/train"
	"github.com/tokenset/pretrain/types/tensors"
)

// PadID is the token id ignored by token-level losses.
const PadID = 0

// initStdDev of the normal distribution initializing the weight tensors.
// Normalization scale starts at one and shifts/biases at zero.
const initStdDev = 0.02

// sentenceLabels is the number of classes of the next-sentence and
// sentence-order heads.
const sentenceLabels = 2

// Model is a bag-of-words model for one objective family.
type Model struct {
	objective train.Objective
	desc      train.Descriptor

	vocabSize  int
	hiddenSize int
	labelsNum  int

	params []*train.Parameter

	embedding    *train.Parameter // [vocabSize, hiddenSize]
	gamma, beta  *train.Parameter // [hiddenSize]
	headW, headB *train.Parameter // token or classification head
	auxW, auxB   *train.Parameter // second head (nsp, sop, backward lm)

	training bool
	device   tensors.DeviceNum

	// Head passes cached by the last Forward, consumed by Backward.
	cache []headPass
}

// New builds a model for the given objective. labelsNum is only used by the
// classification objective; pass the label count of the dataset. Weights are
// initialized from rng with a N(0, 0.02) draw, normalization scale at one.
func New(objective train.Objective, vocabSize, hiddenSize, labelsNum int, rng *rand.Rand) (*Model, error) {
	desc, err := objective.Descriptor()
	if err != nil {
		return nil, err
	}
	if vocabSize < 2 || hiddenSize < 1 {
		return nil, errors.Errorf("bow model needs vocabSize >= 2 and hiddenSize >= 1, got %d and %d", vocabSize, hiddenSize)
	}
	if objective == train.ObjectiveCls && labelsNum < 2 {
		return nil, errors.Errorf("classification needs labelsNum >= 2, got %d", labelsNum)
	}

	m := &Model{
		objective:  objective,
		desc:       desc,
		vocabSize:  vocabSize,
		hiddenSize: hiddenSize,
		labelsNum:  labelsNum,
		device:     tensors.Host,
	}
	normal := func(values []float32) {
		for i := range values {
			values[i] = float32(rng.NormFloat64() * initStdDev)
		}
	}
	ones := func(values []float32) {
		for i := range values {
			values[i] = 1
		}
	}
	zeros := func([]float32) {}

	m.embedding = m.addParam("embedding.weight", vocabSize*hiddenSize, normal)
	m.gamma = m.addParam("norm.gamma", hiddenSize, ones)
	m.beta = m.addParam("norm.beta", hiddenSize, zeros)

	switch objective {
	case train.ObjectiveBert:
		m.headW = m.addParam("mlm.weight", vocabSize*hiddenSize, normal)
		m.headB = m.addParam("mlm.bias", vocabSize, zeros)
		m.auxW = m.addParam("nsp.weight", sentenceLabels*hiddenSize, normal)
		m.auxB = m.addParam("nsp.bias", sentenceLabels, zeros)
	case train.ObjectiveAlbert:
		m.headW = m.addParam("mlm.weight", vocabSize*hiddenSize, normal)
		m.headB = m.addParam("mlm.bias", vocabSize, zeros)
		m.auxW = m.addParam("sop.weight", sentenceLabels*hiddenSize, normal)
		m.auxB = m.addParam("sop.bias", sentenceLabels, zeros)
	case train.ObjectiveMlm:
		m.headW = m.addParam("mlm.weight", vocabSize*hiddenSize, normal)
		m.headB = m.addParam("mlm.bias", vocabSize, zeros)
	case train.ObjectiveLm:
		m.headW = m.addParam("lm.weight", vocabSize*hiddenSize, normal)
		m.headB = m.addParam("lm.bias", vocabSize, zeros)
	case train.ObjectiveBilm:
		m.headW = m.addParam("forward_lm.weight", vocabSize*hiddenSize, normal)
		m.headB = m.addParam("forward_lm.bias", vocabSize, zeros)
		m.auxW = m.addParam("backward_lm.weight", vocabSize*hiddenSize, normal)
		m.auxB = m.addParam("backward_lm.bias", vocabSize, zeros)
	case train.ObjectiveCls:
		m.headW = m.addParam("classifier.weight", labelsNum*hiddenSize, normal)
		m.headB = m.addParam("classifier.bias", labelsNum, zeros)
	case train.ObjectiveMt:
		m.headW = m.addParam("decoder.weight", vocabSize*hiddenSize, normal)
		m.headB = m.addParam("decoder.bias", vocabSize, zeros)
	}
	return m, nil
}

func (m *Model) addParam(name string, size int, init func([]float32)) *train.Parameter {
	p := &train.Parameter{
		Name: name,
		Data: make([]float32, size),
		Grad: make([]float32, size),
	}
	init(p.Data)
	m.params = append(m.params, p)
	return p
}

// SetTraining implements train.Model. The model has no dropout, so the flag
// only gates future use.
func (m *Model) SetTraining(training bool) { m.training = training }

// Parameters implements train.Model.
func (m *Model) Parameters() []*train.Parameter { return m.params }

// ZeroGrad implements train.Model.
func (m *Model) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

// ToDevice implements train.Model. Parameters live in host memory regardless
// of the tag; the tag is recorded so batches and model agree on placement.
func (m *Model) ToDevice(device tensors.DeviceNum) error {
	m.device = device
	return nil
}

// Forward implements train.Model. The target spec follows the objective's
// descriptor: target tensors in table order, with the encoder input appended
// for sequence-to-sequence.
func (m *Model) Forward(source *tensors.Tensor, targets []*tensors.Tensor, segment *tensors.Tensor) (*train.LossInfo, error) {
	m.cache = m.cache[:0]
	switch m.objective {
	case train.ObjectiveBert, train.ObjectiveAlbert:
		mlmLoss, mlmCorrect, denom := m.tokenPass(m.headW, m.headB, m.vocabSize, source, targets[0], nil)
		sentLoss, sentCorrect := m.instancePass(m.auxW, m.auxB, sentenceLabels, source, targets[1])
		return &train.LossInfo{
			Losses:      []float64{mlmLoss, sentLoss},
			Correct:     []float64{mlmCorrect, sentCorrect},
			Denominator: denom,
		}, nil

	case train.ObjectiveMlm, train.ObjectiveLm:
		loss, correct, denom := m.tokenPass(m.headW, m.headB, m.vocabSize, source, targets[0], nil)
		return &train.LossInfo{
			Losses:      []float64{loss},
			Correct:     []float64{correct},
			Denominator: denom,
		}, nil

	case train.ObjectiveBilm:
		// Both directions share the forward target's denominator.
		fwLoss, fwCorrect, denom := m.tokenPass(m.headW, m.headB, m.vocabSize, source, targets[0], nil)
		bwLoss, bwCorrect, _ := m.tokenPass(m.auxW, m.auxB, m.vocabSize, source, targets[1], nil)
		return &train.LossInfo{
			Losses:      []float64{fwLoss, bwLoss},
			Correct:     []float64{fwCorrect, bwCorrect},
			Denominator: denom,
		}, nil

	case train.ObjectiveCls:
		loss, correct := m.instancePass(m.headW, m.headB, m.labelsNum, source, targets[0])
		return &train.LossInfo{
			Losses:  []float64{loss},
			Correct: []float64{correct},
		}, nil

	case train.ObjectiveMt:
		// targets are (decoder input, decoder output, encoder input). The
		// pooled encoder embedding is added to every decoder position.
		decoderIn, decoderOut, encoderIn := targets[0], targets[1], targets[2]
		loss, correct, denom := m.tokenPass(m.headW, m.headB, m.vocabSize, decoderIn, decoderOut, encoderIn)
		return &train.LossInfo{
			Losses:      []float64{loss},
			Correct:     []float64{correct},
			Denominator: denom,
		}, nil
	}
	return nil, errors.Errorf("bow model cannot run objective %v", m.objective)
}

// Backward implements train.Model: analytic gradients of scale times the
// total loss of the last Forward, accumulated into Grad.
func (m *Model) Backward(scale float64) error {
	if len(m.cache) == 0 {
		return errors.New("Backward without a preceding Forward")
	}
	for i := range m.cache {
		m.backwardHead(&m.cache[i], float32(scale))
	}
	return nil
}

// embRow is one embedding row contributing to a hidden vector, with its
// mixing weight (1 for a token position, 1/n for a pooled sequence).
type embRow struct {
	row    int
	weight float32
}

// gradSite caches one softmax prediction for the backward pass.
type gradSite struct {
	probs  []float32
	target int
	pre    []float32 // pre-normalization hidden
	post   []float32 // normalized hidden fed to the head
	rows   []embRow
}

// headPass caches one head's predictions. coeff folds the loss-mean
// normalization (1/denominator or 1/batch) into the gradient.
type headPass struct {
	weight, bias *train.Parameter
	classes      int
	coeff        float32
	sites        []gradSite
}

// tokenPass runs a token-level head: predict target[i][t] from the embedding
// of input[i][t] (plus the pooled embedding of context rows, when context is
// non-nil), skipping padding targets. Returns the mean loss over counted
// positions, the correct count and the denominator.
func (m *Model) tokenPass(weight, bias *train.Parameter, classes int, input, target *tensors.Tensor, context *tensors.Tensor) (loss, correct, denom float64) {
	batchSize := input.Dim(0)
	seqLen := input.Dim(1)
	inputData := input.Data()
	targetData := target.Data()

	pass := headPass{weight: weight, bias: bias, classes: classes}
	for i := 0; i < batchSize; i++ {
		var contextRows []embRow
		if context != nil {
			contextRows = pooledRows(context, i)
		}
		for t := 0; t < seqLen; t++ {
			tgt := int(targetData[i*seqLen+t])
			if tgt == PadID {
				continue
			}
			rows := append([]embRow{{row: int(inputData[i*seqLen+t]), weight: 1}}, contextRows...)
			site, siteLoss, siteCorrect := m.predict(weight, bias, classes, rows, tgt)
			pass.sites = append(pass.sites, site)
			loss += siteLoss
			if siteCorrect {
				correct++
			}
			denom++
		}
	}
	if denom > 0 {
		loss /= denom
		pass.coeff = float32(1 / denom)
	}
	m.cache = append(m.cache, pass)
	return loss, correct, denom
}

// instancePass runs an instance-level head: predict target[i] from the mean
// embedding of row i's non-padding tokens. Returns the batch-mean loss and
// the correct count.
func (m *Model) instancePass(weight, bias *train.Parameter, classes int, input, target *tensors.Tensor) (loss, correct float64) {
	batchSize := input.Dim(0)
	targetData := target.Data()

	pass := headPass{weight: weight, bias: bias, classes: classes, coeff: float32(1 / float64(batchSize))}
	for i := 0; i < batchSize; i++ {
		tgt := int(targetData[i])
		site, siteLoss, siteCorrect := m.predict(weight, bias, classes, pooledRows(input, i), tgt)
		pass.sites = append(pass.sites, site)
		loss += siteLoss
		if siteCorrect {
			correct++
		}
	}
	loss /= float64(batchSize)
	m.cache = append(m.cache, pass)
	return loss, correct
}

// pooledRows returns the mean-pooled embedding rows of row i's non-padding
// tokens, or the padding row alone when the sequence is all padding.
func pooledRows(input *tensors.Tensor, i int) []embRow {
	seqLen := input.Dim(1)
	data := input.Data()
	var tokens []int
	for t := 0; t < seqLen; t++ {
		if id := int(data[i*seqLen+t]); id != PadID {
			tokens = append(tokens, id)
		}
	}
	if len(tokens) == 0 {
		return []embRow{{row: PadID, weight: 1}}
	}
	weight := 1 / float32(len(tokens))
	rows := make([]embRow, len(tokens))
	for j, id := range tokens {
		rows[j] = embRow{row: id, weight: weight}
	}
	return rows
}

// predict computes one softmax cross-entropy prediction and caches the
// activations needed by the backward pass.
func (m *Model) predict(weight, bias *train.Parameter, classes int, rows []embRow, target int) (site gradSite, loss float64, correct bool) {
	h := m.hiddenSize

	pre := make([]float32, h)
	for _, r := range rows {
		base := r.row * h
		for j := 0; j < h; j++ {
			pre[j] += r.weight * m.embedding.Data[base+j]
		}
	}
	post := make([]float32, h)
	for j := 0; j < h; j++ {
		post[j] = m.gamma.Data[j]*pre[j] + m.beta.Data[j]
	}

	logits := make([]float64, classes)
	maxLogit := math.Inf(-1)
	for c := 0; c < classes; c++ {
		z := float64(bias.Data[c])
		base := c * h
		for j := 0; j < h; j++ {
			z += float64(weight.Data[base+j]) * float64(post[j])
		}
		logits[c] = z
		if z > maxLogit {
			maxLogit = z
		}
	}
	probs := make([]float32, classes)
	var sum float64
	for c := 0; c < classes; c++ {
		e := math.Exp(logits[c] - maxLogit)
		sum += e
		probs[c] = float32(e)
	}
	argmax := 0
	for c := 0; c < classes; c++ {
		probs[c] = float32(float64(probs[c]) / sum)
		if probs[c] > probs[argmax] {
			argmax = c
		}
	}

	loss = -math.Log(math.Max(float64(probs[target]), 1e-30))
	site = gradSite{probs: probs, target: target, pre: pre, post: post, rows: rows}
	return site, loss, argmax == target
}

// backwardHead backpropagates one cached head pass through the head, the
// normalization and the embedding table.
func (m *Model) backwardHead(pass *headPass, scale float32) {
	h := m.hiddenSize
	outer := scale * pass.coeff
	if outer == 0 {
		return
	}
	dHidden := make([]float32, h)
	for s := range pass.sites {
		site := &pass.sites[s]
		clear(dHidden)
		for c := 0; c < pass.classes; c++ {
			dz := site.probs[c]
			if c == site.target {
				dz -= 1
			}
			g := outer * dz
			pass.bias.Grad[c] += g
			base := c * h
			for j := 0; j < h; j++ {
				pass.weight.Grad[base+j] += g * site.post[j]
				dHidden[j] += g * pass.weight.Data[base+j]
			}
		}
		for j := 0; j < h; j++ {
			m.gamma.Grad[j] += dHidden[j] * site.pre[j]
			m.beta.Grad[j] += dHidden[j]
		}
		for _, r := range site.rows {
			base := r.row * h
			for j := 0; j < h; j++ {
				m.embedding.Grad[base+j] += r.weight * dHidden[j] * m.gamma.Data[j]
			}
		}
	}
}
