package prompt

// builtinTemplates maps template filename to content. Step templates are
// looked up by step name; retry constraints are appended by the caller as
// complete sentences, never interpolated into the template body.
var builtinTemplates = map[string]string{
	"geometry.md": geometryTemplate,
	"styling.md":  stylingTemplate,
	"spaces.md":   spacesTemplate,
	"views.md":    viewsTemplate,
	"panorama.md": panoramaTemplate,
}

const geometryTemplate = `# Generate base geometry

Source image: {{source_ref}}

Reconstruct the room geometry from the source image. Preserve wall angles,
floor plane and ceiling height exactly as visible in the source. Do not
invent openings or structural elements that are not present.
{{#if constraints}}

## Constraints
{{constraints}}
{{/if}}
`

const stylingTemplate = `# Apply styling

Source image: {{source_ref}}
Geometry reference: {{anchor_ref}}

Apply the requested styling to the base geometry. Materials, furniture and
lighting may change; the underlying geometry must not.
{{#if constraints}}

## Constraints
{{constraints}}
{{/if}}
`

const spacesTemplate = `# Detect spaces

Styled scene: {{anchor_ref}}

Identify each distinct space in the styled scene. Report one entry per
space with a short descriptive name. Do not merge rooms separated by walls
or doorways.
{{#if constraints}}

## Constraints
{{constraints}}
{{/if}}
`

const viewsTemplate = `# Render camera view

Space: {{space_name}}
View: {{kind}}
Styled scene: {{source_ref}}
{{#if anchor_ref}}
Anchor view: {{anchor_ref}}

This is the opposite view of the space. It must be geometrically and
stylistically consistent with the anchor view: matching light direction,
matching materials, coherent reversed perspective.
{{/if}}
{{#if constraints}}

## Constraints
{{constraints}}
{{/if}}
`

const panoramaTemplate = `# Assemble panorama

Space: {{space_name}}
Primary view: {{source_ref}}
Opposite view: {{anchor_ref}}

Assemble a full 360-degree equirectangular panorama of the space from the
two camera views. Seams must be invisible; lighting must be continuous
across the wrap point.
{{#if constraints}}

## Constraints
{{constraints}}
{{/if}}
`
