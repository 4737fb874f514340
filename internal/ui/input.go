package ui

import (
	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
)

// Action is a viewer command triggered from the keyboard or mouse.
type Action int

const (
	ActionNone Action = iota
	ActionNext
	ActionPrev
	ActionFirst
	ActionLast
	ActionTogglePlay
	ActionReseed
	ActionSave
	ActionNextChannel
)

// keyBindings maps keys to actions.
var keyBindings = []struct {
	key    ebiten.Key
	action Action
}{
	{ebiten.KeyArrowRight, ActionNext},
	{ebiten.KeyArrowLeft, ActionPrev},
	{ebiten.KeyHome, ActionFirst},
	{ebiten.KeyEnd, ActionLast},
	{ebiten.KeySpace, ActionTogglePlay},
	{ebiten.KeyR, ActionReseed},
	{ebiten.KeyS, ActionSave},
	{ebiten.KeyC, ActionNextChannel},
}

// InputHandler manages mouse and keyboard input.
type InputHandler struct {
	mouseX, mouseY  int
	leftJustPressed bool
}

// NewInputHandler creates a new input handler.
func NewInputHandler() *InputHandler {
	return &InputHandler{}
}

// Update polls the input state and returns the actions triggered this frame.
// Call this once per frame.
func (ih *InputHandler) Update() []Action {
	ih.mouseX, ih.mouseY = ebiten.CursorPosition()
	ih.leftJustPressed = inpututil.IsMouseButtonJustPressed(ebiten.MouseButtonLeft)

	var actions []Action
	for _, b := range keyBindings {
		if inpututil.IsKeyJustPressed(b.key) {
			actions = append(actions, b.action)
		}
	}
	return actions
}

// MousePosition returns the current mouse position.
func (ih *InputHandler) MousePosition() (int, int) {
	return ih.mouseX, ih.mouseY
}

// ClickedInBounds returns true if the mouse was just clicked within the given rectangle.
func (ih *InputHandler) ClickedInBounds(x, y, w, h int) bool {
	return ih.leftJustPressed &&
		ih.mouseX >= x && ih.mouseX < x+w && ih.mouseY >= y && ih.mouseY < y+h
}
