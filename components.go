package main

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
)

// ===========================
// V2 Components
// ===========================

const (
	ComponentTypeSection     discord.ComponentType = 9
	ComponentTypeTextDisplay discord.ComponentType = 10
	ComponentTypeThumbnail   discord.ComponentType = 11
	ComponentTypeSeparator   discord.ComponentType = 14
	ComponentTypeContainer   discord.ComponentType = 17

	MessageFlagsIsComponentsV2 discord.MessageFlags = 1 << 15
)

type UnfurledMediaItem struct {
	URL string `json:"url"`
}

type Thumbnail struct {
	CType       discord.ComponentType `json:"type"`
	Media       UnfurledMediaItem     `json:"media"`
	Description *string               `json:"description,omitempty"`
	Spoiler     bool                  `json:"spoiler,omitempty"`
}

func (t Thumbnail) GetID() int {
	return 0
}

func (t Thumbnail) Type() discord.ComponentType {
	return ComponentTypeThumbnail
}

type Separator struct {
	CType   discord.ComponentType `json:"type"`
	Divider bool                  `json:"divider,omitempty"`
	Spacing SeparatorSpacing      `json:"spacing,omitempty"`
}

func (s Separator) GetID() int {
	return 0
}

func (s Separator) Type() discord.ComponentType {
	return ComponentTypeSeparator
}

type TextDisplay struct {
	CType   discord.ComponentType `json:"type"`
	Content string                `json:"content"`
}

func (t TextDisplay) GetID() int {
	return 0
}

func (t TextDisplay) Type() discord.ComponentType {
	return ComponentTypeTextDisplay
}

type Section struct {
	CType      discord.ComponentType `json:"type"`
	Components []any                 `json:"components"`
	Accessory  any                   `json:"accessory,omitempty"`
}

func (s Section) GetID() int {
	return 0
}

func (s Section) Type() discord.ComponentType {
	return ComponentTypeSection
}

type Container struct {
	CType      discord.ComponentType `json:"type"`
	Components []any                 `json:"components"`
}

func (c Container) GetID() int {
	return 0
}

func (c Container) Type() discord.ComponentType {
	return ComponentTypeContainer
}

func (c Container) ContainerComponent() {}

func NewV2Container(components ...interface{}) Container {
	return Container{
		CType:      ComponentTypeContainer,
		Components: components,
	}
}

func NewTextDisplay(content string) TextDisplay {
	return TextDisplay{
		CType:   ComponentTypeTextDisplay,
		Content: content,
	}
}

func NewThumbnail(url string) Thumbnail {
	return Thumbnail{
		CType: ComponentTypeThumbnail,
		Media: UnfurledMediaItem{
			URL: url,
		},
	}
}

type SeparatorSpacing int

const (
	SeparatorSpacingSmall  SeparatorSpacing = 0
	SeparatorSpacingMedium SeparatorSpacing = 1
	SeparatorSpacingLarge  SeparatorSpacing = 2
)

func NewSeparator(divider bool) Separator {
	return Separator{
		CType:   ComponentTypeSeparator,
		Divider: divider,
	}
}

func NewSection(content string, accessory any) Section {
	s := Section{
		CType:      ComponentTypeSection,
		Components: []any{NewTextDisplay(content)},
	}
	if accessory != nil {
		s.Accessory = accessory
	}
	return s
}

func EditInteractionContainerV2(client bot.Client, interaction discord.Interaction, container Container) error {
	route := rest.NewEndpoint(http.MethodPatch, "/webhooks/{application.id}/{interaction.token}/messages/@original")

	data := struct {
		Components []any                `json:"components"`
		Flags      discord.MessageFlags `json:"flags"`
	}{
		Components: []any{container},
		Flags:      MessageFlagsIsComponentsV2,
	}

	compiledRoute := route.Compile(nil, client.ApplicationID.String(), interaction.Token())

	return doRequestNoEscape(client, compiledRoute, data, nil)
}

func EditInteractionV2(client bot.Client, interaction discord.Interaction, content string) error {
	route := rest.NewEndpoint(http.MethodPatch, "/webhooks/{application.id}/{interaction.token}/messages/@original")
	data := struct {
		Components []any                `json:"components"`
		Flags      discord.MessageFlags `json:"flags"`
	}{
		Components: []any{NewTextDisplay(content)},
		Flags:      MessageFlagsIsComponentsV2,
	}

	compiledRoute := route.Compile(nil, client.ApplicationID.String(), interaction.Token())

	return doRequestNoEscape(client, compiledRoute, data, nil)
}

func RespondInteractionContainerV2(client bot.Client, interaction discord.Interaction, container Container, ephemeral bool) error {
	route := rest.NewEndpoint(http.MethodPost, "/interactions/{interaction.id}/{interaction.token}/callback")

	var flags discord.MessageFlags
	if ephemeral {
		flags = discord.MessageFlagEphemeral | MessageFlagsIsComponentsV2
	} else {
		flags = MessageFlagsIsComponentsV2
	}

	data := struct {
		Type discord.InteractionResponseType `json:"type"`
		Data struct {
			Components []any                `json:"components"`
			Flags      discord.MessageFlags `json:"flags"`
		} `json:"data"`
	}{
		Type: discord.InteractionResponseTypeCreateMessage,
		Data: struct {
			Components []any                `json:"components"`
			Flags      discord.MessageFlags `json:"flags"`
		}{
			Components: []any{container},
			Flags:      flags,
		},
	}

	compiledRoute := route.Compile(nil, interaction.ID().String(), interaction.Token())

	return doRequestNoEscape(client, compiledRoute, data, nil)
}

func RespondInteractionV2(client bot.Client, interaction discord.Interaction, content string, ephemeral bool) error {
	route := rest.NewEndpoint(http.MethodPost, "/interactions/{interaction.id}/{interaction.token}/callback")

	var flags discord.MessageFlags
	if ephemeral {
		flags = discord.MessageFlagEphemeral | MessageFlagsIsComponentsV2
	} else {
		flags = MessageFlagsIsComponentsV2
	}

	data := struct {
		Type discord.InteractionResponseType `json:"type"`
		Data struct {
			Components []any                `json:"components"`
			Flags      discord.MessageFlags `json:"flags"`
		} `json:"data"`
	}{
		Type: discord.InteractionResponseTypeCreateMessage,
		Data: struct {
			Components []any                `json:"components"`
			Flags      discord.MessageFlags `json:"flags"`
		}{
			Components: []any{NewTextDisplay(content)},
			Flags:      flags,
		},
	}

	compiledRoute := route.Compile(nil, interaction.ID().String(), interaction.Token())

	return doRequestNoEscape(client, compiledRoute, data, nil)
}

// doRequestNoEscape bypasses disgo's JSON marshalling so URLs inside
// component payloads keep their literal & and ? characters.
func doRequestNoEscape(client bot.Client, route *rest.CompiledEndpoint, body any, dst any) error {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return err
	}
	return client.Rest.Do(route, json.RawMessage(buf.Bytes()), dst)
}
