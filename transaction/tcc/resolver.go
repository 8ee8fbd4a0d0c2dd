/*
Copyright 2025 The Dapr Authors
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tcc

import "fmt"

// Propagation tells how a compensable method relates to the transaction of
// its caller.
type Propagation int

const (
	// PropagationRequired joins the caller's transaction or begins one.
	PropagationRequired Propagation = iota
	// PropagationSupports joins the caller's transaction if there is one.
	PropagationSupports
	// PropagationMandatory requires a transaction from the caller.
	PropagationMandatory
	// PropagationRequiresNew always begins a new transaction.
	PropagationRequiresNew
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "REQUIRED"
	case PropagationSupports:
		return "SUPPORTS"
	case PropagationMandatory:
		return "MANDATORY"
	case PropagationRequiresNew:
		return "REQUIRES_NEW"
	default:
		return fmt.Sprintf("Propagation(%d)", int(p))
	}
}

// Role is the part a single call plays in a transaction.
type Role int

const (
	// RoleNormal calls run without transactional handling.
	RoleNormal Role = iota
	// RoleRoot calls begin the transaction and decide its outcome.
	RoleRoot
	// RoleProvider calls execute one phase of a transaction begun elsewhere.
	RoleProvider
)

func (r Role) String() string {
	switch r {
	case RoleRoot:
		return "ROOT"
	case RoleProvider:
		return "PROVIDER"
	default:
		return "NORMAL"
	}
}

// ResolveRole decides the role of a call from whether its chain already has
// a transaction and from what it received.
func ResolveRole(active bool, mc *MethodContext) Role {
	switch {
	case mc.Propagation == PropagationRequiresNew:
		return RoleRoot
	case mc.Propagated != nil && (mc.Propagation == PropagationRequired || mc.Propagation == PropagationMandatory):
		return RoleProvider
	case mc.Propagation == PropagationRequired && !active && mc.Propagated == nil:
		return RoleRoot
	default:
		return RoleNormal
	}
}

// IsLegalContext reports false for a MANDATORY call with neither a local
// transaction nor a propagated context.
func IsLegalContext(active bool, mc *MethodContext) bool {
	return mc.Propagation != PropagationMandatory || active || mc.Propagated != nil
}
