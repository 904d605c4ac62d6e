// Copyright 2022 The cruisecast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package management

import (
	"fmt"
	"strings"

	"github.com/alwitt/cruisecast/common"
	"github.com/google/cel-go/cel"
)

// PromotionFilter subscriber side predicate over promotions.
//
// The expression sees the promotion as the map variable `promotion`, keyed by the
// promotion JSON field names, e.g. `promotion.destination == "Miami"`.
type PromotionFilter struct {
	expr string
	prog cel.Program
}

// CompilePromotionFilter compile a filter expression. An empty expression matches
// every promotion.
func CompilePromotionFilter(expr string) (*PromotionFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &PromotionFilter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("promotion", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter must evaluate to a bool, not %s", ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &PromotionFilter{expr: expr, prog: prog}, nil
}

// Expression the filter source
func (f *PromotionFilter) Expression() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match whether the promotion passes the filter. Evaluation failures do not match.
func (f *PromotionFilter) Match(promo common.Promotion) bool {
	if f == nil || f.prog == nil {
		return true
	}
	asMap, err := promo.AsMap()
	if err != nil {
		return false
	}
	out, _, err := f.prog.Eval(map[string]any{"promotion": asMap})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
