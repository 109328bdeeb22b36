package chat

const (
	msgDailyLimitReached  = "You have reached your daily limit of questions. Please come back tomorrow!"
	msgPlantLimitReached  = "You have reached your daily limit of plant identifications. Please come back tomorrow!"
	msgMaxFilesReached    = "You have reached the maximum number of files. Use /clear to start over."
	msgOnlyText           = "Sorry, only TXT files are supported."
	msgOnlyImages         = "Sorry, only JPEG, PNG, GIF, and WebP images are supported."
	msgImageUnavailable   = "Sorry, image analysis is not available right now."
	msgPlantUnavailable   = "Sorry, plant identification is not available right now."
	msgVoiceUnavailable   = "Sorry, voice messages are not supported right now."
	msgVoiceNotUnderstood = "Sorry, I couldn't understand the voice message. Please try again."
	msgCleared            = "Conversation and uploaded files cleared."

	fmtRequestFailed = "Sorry, I encountered an error: %s. Please try again."
	fmtFileFailed    = "Sorry, I couldn't process the file \"%s\". Error: %s"
	fmtFileUploaded  = "File \"%s\" has been successfully uploaded and will be used as context for our conversation."
	fmtImageAnalyzed = "Image \"%s\" has been analyzed. I detected: %s"
	fmtLanguageSet   = "Language set to %s."
	fmtLanguageBad   = "Unknown language %q. Available: %s"
	fmtFileRemoved   = "File \"%s\" removed."
	fmtNoSuchFile    = "There is no file number %d."

	imageAnalysisPrefix = "Image analysis results: "
)
