// Package speaker models the latent speaker variable of the
// speaker-generative TTS objective.
//
// Every corpus speaker s has a learned diagonal-Gaussian posterior
// q(z|s) = N(mean[s], diag(stddev[s]^2)) over the latent speaker embedding;
// the prior p(z) is the standard normal N(0, I). During training the
// embedding fed to the synthesis network is a reparameterized sample from
// the posterior, and the KL(q||p) term is computed in closed form. Novel
// speakers are generated by sampling the prior.
package speaker

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Scope under which the posterior tables are stored in the context.
const Scope = "speaker"

const (
	meanVarName   = "posterior_mean"
	logStdVarName = "posterior_log_stddev"
)

// Bank holds the dimensions of the latent speaker tables. The tables
// themselves are context variables, created on first use.
type Bank struct {
	// NumSpeakers is the number of rows in the posterior tables.
	NumSpeakers int

	// LatentDim is the dimension of the latent speaker variable.
	LatentDim int
}

// New creates a Bank for the given corpus size and latent dimension.
func New(numSpeakers, latentDim int) *Bank {
	return &Bank{NumSpeakers: numSpeakers, LatentDim: latentDim}
}

// vars returns (creating if needed) the posterior tables, both shaped
// [NumSpeakers, LatentDim]. Means start near zero, drawn from the context's
// RNG (seeded at fresh start), and log-stddevs at zero, so every posterior
// starts close to the prior.
func (b *Bank) vars(ctx *context.Context, dtype dtypes.DType) (mean, logStd *context.Variable) {
	ctx = ctx.In(Scope)
	shape := shapes.Make(dtype, b.NumSpeakers, b.LatentDim)
	mean = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.01)).
		VariableWithShape(meanVarName, shape)
	logStd = ctx.WithInitializer(initializers.Zero).
		VariableWithShape(logStdVarName, shape)
	return
}

// Sample gathers the posterior parameters for the given speaker ids
// (shaped [batchSize], integer dtype) and draws one reparameterized sample
// z = mean + stddev*eps, eps~N(0,I), shaped [batchSize, LatentDim].
//
// It also returns the closed-form KL(q(z|s) || N(0,I)) averaged over the
// batch, as a scalar:
//
//	KL = 1/2 sum_d (mean_d^2 + stddev_d^2 - 1 - log stddev_d^2)
func (b *Bank) Sample(ctx *context.Context, speakerIDs *Node, dtype dtypes.DType) (z, kl *Node) {
	g := speakerIDs.Graph()
	meanVar, logStdVar := b.vars(ctx, dtype)
	indices := ExpandAxes(speakerIDs, -1) // [batchSize, 1]
	mean := Gather(meanVar.ValueGraph(g), indices)
	logStd := Gather(logStdVar.ValueGraph(g), indices)

	eps := ctx.RandomNormal(g, mean.Shape())
	z = Add(mean, Mul(Exp(logStd), eps))

	variance := Exp(MulScalar(logStd, 2))
	klPerDim := AddScalar(Sub(Add(Square(mean), variance), MulScalar(logStd, 2)), -1)
	kl = MulScalar(ReduceAllMean(ReduceSum(klPerDim, -1)), 0.5)
	return
}

// SamplePrior draws n novel speaker embeddings z ~ N(0, I), shaped
// [n, LatentDim]. Used to generate synthetic speaker identities once the
// model is trained.
func (b *Bank) SamplePrior(ctx *context.Context, g *Graph, n int, dtype dtypes.DType) *Node {
	return ctx.RandomNormal(g, shapes.Make(dtype, n, b.LatentDim))
}
