// Package invariants exposes a single flag telling the rest of the module
// whether expensive consistency assertions were compiled in.
package invariants

// Enabled is true when this binary was built with `-tags invariants`. Code
// that walks a reference word re-deriving its canonical level count, or
// that re-sums block counts after a mutation, should gate itself on this
// flag so that those checks cost nothing in a production build.
var Enabled = enabled
