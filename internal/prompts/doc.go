// Package prompts holds the text Asesor sends to the model and to
// clients: the default advisor persona, tool descriptions, greetings,
// and the fallback reply.
//
// Prompt text lives in Go rather than config so it can be tested and
// interpolated. Deployments override the persona through the policy
// section of config.yaml.
package prompts
