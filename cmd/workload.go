package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/xkilldash9x/scalpel-iast/internal/iast"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/propagation"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/taint"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
)

// scenario is one synthetic request handler. It receives the raw request
// parameter and plays the part of instrumented application code.
type scenario struct {
	name    string
	payload string // fmt template with one %d verb; empty for untainted scenarios
	run     func(ctx context.Context, e *iast.Engine, param string)
}

var scenarios = []scenario{
	{name: "sql_concat", payload: "alice%d' OR '1'='1", run: sqlConcat},
	{name: "sql_escaped", payload: "o'brien%d", run: sqlEscaped},
	{name: "command_join", payload: "img%d.png; rm -rf /", run: commandJoin},
	{name: "path_trim", payload: "  ../../etc/passwd%d  ", run: pathTrim},
	{name: "ssrf_builder", payload: "169.254.169.%d", run: ssrfBuilder},
	{name: "header_case", payload: "text/html\r\nx-trace: %d", run: headerCase},
	{name: "constant_query", run: constantQuery},
}

// request is one planned unit of the workload.
type request struct {
	scenario scenario
	param    string
}

// planWorkload returns n requests that cycle through every scenario in an
// order shuffled by seed.
func planWorkload(n int, seed int64) []request {
	rng := rand.New(rand.NewSource(seed))
	plan := make([]request, n)
	for i := range plan {
		sc := scenarios[i%len(scenarios)]
		plan[i] = request{scenario: sc}
		if sc.payload != "" {
			plan[i].param = fmt.Sprintf(sc.payload, rng.Intn(1000))
		}
	}
	rng.Shuffle(len(plan), func(i, j int) { plan[i], plan[j] = plan[j], plan[i] })
	return plan
}

// serve runs one request through the engine's lifecycle.
func serve(ctx context.Context, e *iast.Engine, r request) {
	rctx, s := e.StartRequest(ctx)
	defer e.EndRequest(rctx, s)

	if r.param != "" {
		e.Taint(rctx, r.param, taint.OriginRequestParameterValue, "q", r.param)
	}
	r.scenario.run(rctx, e, r.param)
}

func sqlConcat(ctx context.Context, e *iast.Engine, param string) {
	tc := e.TaintContext(ctx)
	prefix := "SELECT * FROM users WHERE name = '"
	head := prefix + param
	propagation.OnStringConcat(tc, prefix, param, head)
	query := head + "'"
	propagation.OnStringConcat(tc, head, "'", query)
	e.CheckInjection(ctx, vulnerability.SQLInjection, query)
}

func sqlEscaped(ctx context.Context, e *iast.Engine, param string) {
	tc := e.TaintContext(ctx)
	escaped := strings.ReplaceAll(param, "'", "''")
	propagation.TaintIfTainted(tc, escaped, param, false)
	propagation.OnSanitize(tc, escaped, taint.MarkSQL)

	prefix := "SELECT * FROM users WHERE name = '"
	query := prefix + escaped
	propagation.OnStringConcat(tc, prefix, escaped, query)
	e.CheckInjection(ctx, vulnerability.SQLInjection, query)
}

func commandJoin(ctx context.Context, e *iast.Engine, param string) {
	tc := e.TaintContext(ctx)
	args := []string{"convert", param, "out.png"}
	cmdline := strings.Join(args, " ")
	propagation.OnStringJoin(tc, cmdline, " ", args)
	e.CheckInjection(ctx, vulnerability.CommandInjection, cmdline)
}

func pathTrim(ctx context.Context, e *iast.Engine, param string) {
	tc := e.TaintContext(ctx)
	name := strings.TrimSpace(param)
	propagation.OnTrim(tc, param, name)
	dir := "/var/data/"
	path := dir + name
	propagation.OnStringConcat(tc, dir, name, path)
	e.CheckInjection(ctx, vulnerability.PathTraversal, path)
}

func ssrfBuilder(ctx context.Context, e *iast.Engine, param string) {
	tc := e.TaintContext(ctx)
	var b strings.Builder
	for _, part := range []string{"https://", param, "/latest/meta-data"} {
		before := b.Len()
		b.WriteString(part)
		propagation.OnStringBuilderAppend(tc, &b, before, part)
	}
	target := b.String()
	propagation.OnStringBuilderString(tc, &b, target)
	e.CheckInjection(ctx, vulnerability.SSRF, target)
}

func headerCase(ctx context.Context, e *iast.Engine, param string) {
	tc := e.TaintContext(ctx)
	value := strings.ToUpper(param)
	propagation.OnCaseChange(tc, param, value)
	e.CheckInjection(ctx, vulnerability.HeaderInjection, "Content-Type", value)
}

func constantQuery(ctx context.Context, e *iast.Engine, _ string) {
	e.CheckInjection(ctx, vulnerability.SQLInjection, "SELECT 1")
}
