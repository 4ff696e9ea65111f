package models

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Building blocks shared by the architectures. Every block takes and
// returns channels-last tensors of shape [batch, height, width, channels].

// withInitializer sets the kernel initializer for every variable created
// under ctx.
func withInitializer(ctx *context.Context, name string) *context.Context {
	switch name {
	case "glorot_normal":
		return ctx.WithInitializer(initializers.XavierNormalFn(ctx))
	case "he_normal":
		return ctx.WithInitializer(fanInNormal(ctx, 2))
	case "lecun_normal":
		return ctx.WithInitializer(fanInNormal(ctx, 1))
	}
	return ctx.WithInitializer(initializers.XavierUniformFn(ctx))
}

// fanInNormal draws from N(0, gain/fanIn), where fanIn is the product of all
// but the last kernel dimension.
func fanInNormal(ctx *context.Context, gain float64) func(g *graph.Graph, shape shapes.Shape) *graph.Node {
	return func(g *graph.Graph, shape shapes.Shape) *graph.Node {
		dims := shape.Dimensions
		fanIn := 1
		for i := 0; i < len(dims)-1; i++ {
			fanIn *= dims[i]
		}
		if len(dims) == 1 {
			fanIn = dims[0]
		}
		stddev := math.Sqrt(gain / float64(max(fanIn, 1)))
		return graph.MulScalar(ctx.RandomNormal(g, shape), stddev)
	}
}

// normalizeImages maps [0, 255] pixel values to [-1, 1].
func normalizeImages(images *graph.Node) *graph.Node {
	return graph.AddScalar(graph.MulScalar(images, 1/127.5), -1)
}

func activate(x *graph.Node, name string) *graph.Node {
	switch name {
	case "relu":
		return activations.Relu(x)
	case "selu":
		return activations.Selu(x)
	case "elu":
		return graph.Where(graph.GreaterThan(x, graph.ZerosLike(x)), x, graph.AddScalar(graph.Exp(x), -1))
	case "leaky_relu":
		return activations.LeakyRelu(x)
	case "swish":
		return activations.Swish(x)
	case "tanh":
		return graph.Tanh(x)
	case "sigmoid":
		return graph.Sigmoid(x)
	}
	return x
}

// Convolutions, pooling and resizing are written with matrix products,
// reshapes and reductions only, so every layer has a gradient on the pure Go
// backend, which lacks the padding, reverse and select-and-scatter ops.

// conv is a same-padded convolution. Separable convolutions factor a k x k
// kernel into k x 1 followed by 1 x k.
func conv(ctx *context.Context, x *graph.Node, filters, kernel int, opts ConvOptions) *graph.Node {
	if opts.Separable && kernel > 1 {
		x = conv2D(ctx.In("rows"), x, filters, kernel, 1, opts.UseBias)
		return conv2D(ctx.In("cols"), x, filters, 1, kernel, opts.UseBias)
	}
	return conv2D(ctx, x, filters, kernel, kernel, opts.UseBias)
}

// conv2D gathers the kh x kw neighborhood of every pixel into the channel
// axis and applies the kernel as one matrix product.
func conv2D(ctx *context.Context, x *graph.Node, filters, kh, kw int, useBias bool) *graph.Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]
	kernel := ctx.VariableWithShape("weights", shapes.Make(x.DType(), kh, kw, c, filters)).ValueGraph(g)

	patches := make([]*graph.Node, 0, kh*kw)
	for dy := 0; dy < kh; dy++ {
		rows := shift(x, 1, dy-(kh-1)/2)
		for dx := 0; dx < kw; dx++ {
			patches = append(patches, shift(rows, 2, dx-(kw-1)/2))
		}
	}
	cols := patches[0]
	if len(patches) > 1 {
		cols = graph.Concatenate(patches, -1)
	}
	flat := graph.Reshape(cols, b*h*w, kh*kw*c)
	y := graph.Einsum("ij,jk->ik", flat, graph.Reshape(kernel, kh*kw*c, filters))
	y = graph.Reshape(y, b, h, w, filters)
	if useBias {
		bias := ctx.VariableWithValue("biases", make([]float32, filters)).ValueGraph(g)
		y = graph.Add(y, perChannel(bias, y))
	}
	return y
}

// shift moves x by offset pixels along axis, filling with zeros:
// y[i] = x[i+offset].
func shift(x *graph.Node, axis, offset int) *graph.Node {
	if offset == 0 {
		return x
	}
	n := x.Shape().Dimensions[axis]
	weights := make([][]float32, n)
	for i := range weights {
		weights[i] = make([]float32, n)
		if j := i + offset; j >= 0 && j < n {
			weights[i][j] = 1
		}
	}
	return mixAxis(x, axis, weights)
}

// mixAxis returns y[..., i, ...] = sum_j weights[i][j] * x[..., j, ...] along
// the height (1) or width (2) axis. The output axis has len(weights) entries.
func mixAxis(x *graph.Node, axis int, weights [][]float32) *graph.Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	in, out := dims[axis], len(weights)
	perm, inverse := []int{0, 2, 3, 1}, []int{0, 3, 1, 2}
	if axis == 2 {
		perm, inverse = []int{0, 1, 3, 2}, []int{0, 1, 3, 2}
	}
	t := graph.TransposeAllDims(x, perm...)
	td := t.Shape().Dimensions

	transposed := make([][]float32, in)
	for j := range transposed {
		transposed[j] = make([]float32, out)
		for i := range weights {
			transposed[j][i] = weights[i][j]
		}
	}
	m := graph.ConvertDType(graph.Const(g, transposed), x.DType())
	y := graph.Einsum("ij,jk->ik", graph.Reshape(t, td[0]*td[1]*td[2], in), m)
	y = graph.Reshape(y, td[0], td[1], td[2], out)
	return graph.TransposeAllDims(y, inverse...)
}

// perChannel broadcasts a [channels] vector over the shape of like.
func perChannel(v, like *graph.Node) *graph.Node {
	dims := like.Shape().Dimensions
	return graph.BroadcastToDims(graph.Reshape(v, 1, 1, 1, dims[3]), dims...)
}

const (
	batchNormMomentum = 0.99
	batchNormEpsilon  = 1e-3
)

// batchNorm normalizes every channel with the batch statistics while
// training, updating their moving averages, and with the moving averages
// otherwise.
func batchNorm(ctx *context.Context, x *graph.Node) *graph.Node {
	g := x.Graph()
	c := channels(x)
	ones := make([]float32, c)
	for i := range ones {
		ones[i] = 1
	}
	scale := ctx.VariableWithValue("scale", ones).ValueGraph(g)
	offset := ctx.VariableWithValue("offset", make([]float32, c)).ValueGraph(g)
	movingMean := ctx.VariableWithValue("mean", make([]float32, c)).SetTrainable(false)
	movingVariance := ctx.VariableWithValue("variance", ones).SetTrainable(false)

	var mean, variance *graph.Node
	if ctx.IsTraining(g) {
		mean = graph.ReduceMean(x, 0, 1, 2)
		variance = graph.ReduceMean(graph.Square(graph.Sub(x, perChannel(mean, x))), 0, 1, 2)
		movingMean.SetValueGraph(movingAverage(movingMean.ValueGraph(g), mean))
		movingVariance.SetValueGraph(movingAverage(movingVariance.ValueGraph(g), variance))
	} else {
		mean, variance = movingMean.ValueGraph(g), movingVariance.ValueGraph(g)
	}
	gain := graph.Mul(graph.Rsqrt(graph.AddScalar(variance, batchNormEpsilon)), scale)
	y := graph.Mul(graph.Sub(x, perChannel(mean, x)), perChannel(gain, x))
	return graph.Add(y, perChannel(offset, x))
}

func movingAverage(old, batch *graph.Node) *graph.Node {
	return graph.Add(graph.MulScalar(old, batchNormMomentum), graph.MulScalar(graph.StopGradient(batch), 1-batchNormMomentum))
}

// convBlock is conv, optional batch normalization, then activation.
func convBlock(ctx *context.Context, x *graph.Node, filters, kernel int, opts ConvOptions) *graph.Node {
	x = conv(ctx.In("conv"), x, filters, kernel, opts)
	if opts.Batchnorm {
		x = batchNorm(ctx.In("batchnorm"), x)
	}
	return activate(x, opts.Activation)
}

// squeezeExcite rescales channels by a gate computed from their global means.
func squeezeExcite(ctx *context.Context, x *graph.Node, ratio int) *graph.Node {
	dims := x.Shape().Dimensions
	c := dims[3]
	s := graph.ReduceMean(x, 1, 2)
	s = layers.Dense(ctx.In("squeeze"), s, true, max(1, c/ratio))
	s = activations.Relu(s)
	s = layers.Dense(ctx.In("excite"), s, true, c)
	s = graph.Sigmoid(s)
	s = graph.Reshape(s, dims[0], 1, 1, c)
	return graph.Mul(x, graph.BroadcastToDims(s, dims...))
}

func channels(x *graph.Node) int {
	return x.Shape().Dimensions[3]
}

// compress reduces the channel count to ceil(channels * factor) with a 1x1 block.
func compress(ctx *context.Context, x *graph.Node, factor float64, opts ConvOptions) *graph.Node {
	filters := max(1, int(math.Ceil(float64(channels(x))*factor)))
	return convBlock(ctx, x, filters, 1, opts)
}

// downsample halves the spatial resolution with 2x2 windows.
func downsample(x *graph.Node, pooling string) *graph.Node {
	dims := x.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]
	x = graph.Reshape(x, b, h/2, 2, w/2, 2, c)
	if pooling == "average" {
		return graph.ReduceMean(x, 2, 4)
	}
	return graph.ReduceMax(x, 2, 4)
}

// upsample doubles the spatial resolution.
func upsample(ctx *context.Context, x *graph.Node, interpolation string, opts ConvOptions) *graph.Node {
	dims := x.Shape().Dimensions
	switch interpolation {
	case "subpixel":
		x = conv(ctx.In("subpixel"), x, 4*dims[3], 1, opts)
		return depthToSpace(x, 2)
	case "bilinear":
		x = mixAxis(x, 1, bilinearWeights(dims[1]))
		return mixAxis(x, 2, bilinearWeights(dims[2]))
	}
	return nearestUpsample(x)
}

// bilinearWeights interpolates n samples to 2n with half-pixel centers,
// clamping at the borders.
func bilinearWeights(n int) [][]float32 {
	weights := make([][]float32, 2*n)
	for o := range weights {
		weights[o] = make([]float32, n)
		src := math.Min(math.Max((float64(o)+0.5)/2-0.5, 0), float64(n-1))
		i0 := int(math.Floor(src))
		i1 := min(i0+1, n-1)
		frac := float32(src - float64(i0))
		weights[o][i0] += 1 - frac
		weights[o][i1] += frac
	}
	return weights
}

// depthToSpace moves blocks of r*r channels into r x r spatial tiles.
func depthToSpace(x *graph.Node, r int) *graph.Node {
	dims := x.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]/(r*r)
	x = graph.Reshape(x, b, h, w, r, r, c)
	x = graph.TransposeAllDims(x, 0, 1, 3, 2, 4, 5)
	return graph.Reshape(x, b, h*r, w*r, c)
}

func nearestUpsample(x *graph.Node) *graph.Node {
	dims := x.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]
	x = graph.Reshape(x, b, h, 1, w, 1, c)
	x = graph.BroadcastToDims(x, b, h, 2, w, 2, c)
	return graph.Reshape(x, b, 2*h, 2*w, c)
}

// denseBlock appends nLayers bottleneck blocks of growthRate channels,
// each fed the concatenation of everything before it.
func denseBlock(ctx *context.Context, x *graph.Node, nLayers, growthRate, bottleneckFactor int, opts ConvOptions) *graph.Node {
	for i := 0; i < nLayers; i++ {
		layer := ctx.In(fmt.Sprintf("layer_%d", i))
		y := convBlock(layer.In("bottleneck"), x, growthRate*bottleneckFactor, 1, opts)
		y = convBlock(layer.In("conv"), y, growthRate, 3, opts)
		if opts.SqueezeExcite {
			y = squeezeExcite(layer.In("squeeze_excite"), y, 16)
		}
		x = graph.Concatenate([]*graph.Node{x, y}, -1)
	}
	return x
}

// residual is a bottleneck residual block with filters output channels.
func residual(ctx *context.Context, x *graph.Node, filters, bottleneckFactor int, opts ConvOptions) *graph.Node {
	inner := max(1, filters/bottleneckFactor)
	y := convBlock(ctx.In("reduce"), x, inner, 1, opts)
	y = convBlock(ctx.In("conv"), y, inner, 3, opts)
	y = conv(ctx.In("expand"), y, filters, 1, opts)
	if opts.SqueezeExcite {
		y = squeezeExcite(ctx.In("squeeze_excite"), y, 16)
	}
	shortcut := x
	if channels(x) != filters {
		shortcut = conv(ctx.In("shortcut"), x, filters, 1, opts)
	}
	return activate(graph.Add(shortcut, y), opts.Activation)
}

// outputHead is a linear 1x1 convolution to the target channels.
func outputHead(ctx *context.Context, x *graph.Node, nOutputChannels int) *graph.Node {
	return conv2D(ctx, x, nOutputChannels, 1, 1, true)
}
