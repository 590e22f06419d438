// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package suspend

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/rendezvous/internal/debugops"
)

// Matcher decides whether a captured stack is the one the coordinator is
// waiting for.
type Matcher interface {
	Match(stack debugops.Stack) (bool, error)
}

// MethodMatcher accepts a stack whose top frame has the given method identity.
type MethodMatcher string

// Match implements Matcher.
func (m MethodMatcher) Match(stack debugops.Stack) (bool, error) {
	top, ok := stack.Top()
	return ok && top.Method == string(m), nil
}

// matchEnv is the environment visible to match expressions.
type matchEnv struct {
	Top    debugops.Frame   `expr:"top"`
	Stack  []debugops.Frame `expr:"stack"`
	Depth  int              `expr:"depth"`
	Target string           `expr:"target"`
}

// ExprMatcher accepts a stack when an expr-lang expression evaluates to true.
// The expression sees top, stack, depth and target, for example:
//
//	top.Method == target && any(stack, .Method == "faultInjector")
type ExprMatcher struct {
	source  string
	target  string
	program *vm.Program
}

// NewExprMatcher compiles expression. Compilation fails unless the
// expression is boolean.
func NewExprMatcher(expression, target string) (*ExprMatcher, error) {
	program, err := expr.Compile(expression, expr.Env(matchEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compiling match expression: %w", err)
	}
	return &ExprMatcher{source: expression, target: target, program: program}, nil
}

// Match implements Matcher.
func (m *ExprMatcher) Match(stack debugops.Stack) (bool, error) {
	env := matchEnv{Stack: stack, Depth: len(stack), Target: m.target}
	if top, ok := stack.Top(); ok {
		env.Top = top
	}
	out, err := expr.Run(m.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", m.source, err)
	}
	matched, _ := out.(bool)
	return matched, nil
}

// String returns the source expression.
func (m *ExprMatcher) String() string {
	return m.source
}
