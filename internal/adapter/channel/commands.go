package channel

import "github.com/bwmarrin/discordgo"

// Slash command and option names.
const (
	cmdCreateProject = "createproject"
	cmdStartProject  = "startproject"
	cmdBuildProject  = "buildproject"
	cmdCancelPrompt  = "cancelprompt"

	optPrompt      = "prompt"
	optModel       = "model"
	optDescription = "description"
)

func modelOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        optModel,
		Description: "Optional: The model to use (e.g., gpt-4, claude-3-opus)",
	}
}

// applicationCommands is the slash command set registered on Start.
func applicationCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        cmdCreateProject,
			Description: "Create a new project using Copilot CLI",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optPrompt,
					Description: "The prompt describing what project to create",
					Required:    true,
				},
				modelOption(),
			},
		},
		{
			Name:        cmdStartProject,
			Description: "Start a conversational session to build your project prompt",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optDescription,
					Description: "Initial description of your project idea",
				},
			},
		},
		{
			Name:        cmdBuildProject,
			Description: "Finalize your prompt and create the project",
			Options:     []*discordgo.ApplicationCommandOption{modelOption()},
		},
		{
			Name:        cmdCancelPrompt,
			Description: "Cancel your active prompt-building session",
		},
	}
}
