package prompts

// FallbackResponse is sent when the model finishes without any text.
const FallbackResponse = "No se pudo generar respuesta."

// DefaultGreeting is the canned fast-path reply.
const DefaultGreeting = "¡Hola! 👋 Bienvenido/a a nuestro servicio inmobiliario. ¿Qué estás buscando hoy? 🏡"

// DefaultGreetings are the alternatives used when greetings are picked
// at random.
var DefaultGreetings = []string{
	DefaultGreeting,
	"¡Hola! 😊 Gracias por escribirnos. ¿Buscas casa, terreno o departamento? 🏡",
	"¡Qué tal! 👋 Con gusto te ayudo a encontrar tu próxima propiedad. ¿Qué tienes en mente? ✨",
}

// DefaultGreetingPatterns are the messages, after trimming and case
// folding, that count as a bare greeting.
var DefaultGreetingPatterns = []string{
	"hola", "hi", "hello", "hey",
	"buenos días", "buenas tardes", "buenas noches",
	"qué tal", "cómo estás", "que tal", "como estas",
	"saludos", "hola!", "👋",
}

// Transcript speaker labels.
const (
	ClientLabel  = "Cliente"
	AdvisorLabel = "Asesor"
)
