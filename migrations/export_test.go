package migrations

// PlanFS exposes plan to the external test package.
var PlanFS = plan
